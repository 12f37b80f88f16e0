// Package icc keeps the inter-client channels (notifications, applause and
// the like) open for the tabs. Streams are shared per channel and scope and
// live as long as some tab uses them.
package icc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/auth"
	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
	"github.com/OpenSlides/openslides-client-sub007/pkg/retry"
)

// Sender is the sender name of every ICC message.
const Sender = "icc"

// Key identifies a channel.
type Key struct {
	Channel string `json:"channel"`
	Scope   int    `json:"scope"`
}

func (k Key) String() string {
	return k.Channel + "/" + strconv.Itoa(k.Scope)
}

// DataContent is the content of a receive-data message.
type DataContent struct {
	Channel string          `json:"channel"`
	Scope   int             `json:"scope"`
	Data    json.RawMessage `json:"data"`
}

// ErrorContent is the content of a receive-error message.
type ErrorContent struct {
	Channel   string `json:"channel"`
	Scope     int    `json:"scope"`
	Reason    string `json:"reason"`
	Terminate bool   `json:"terminate"`
	Type      string `json:"type,omitempty"`
	Msg       string `json:"msg,omitempty"`
}

// Stream is one channel connection. Every Open counts as one user.
type Stream struct {
	*stream.Stream
	Key Key

	mu    sync.Mutex
	ports map[string]*attachment
	users int
}

type attachment struct {
	ch    port.Channel
	count int
}

// Base returns the generic stream.
func (s *Stream) Base() *stream.Stream { return s.Stream }

// Users returns the number of open references.
func (s *Stream) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users
}

func (s *Stream) attach(ch port.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.ports[ch.ID()]
	if a == nil {
		a = &attachment{ch: ch}
		s.ports[ch.ID()] = a
	}
	a.count++
	s.users++
}

// detach drops up to n references of ch, all of them when n < 0, and
// returns the remaining user count.
func (s *Stream) detach(ch port.Channel, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.ports[ch.ID()]
	if a == nil {
		return s.users
	}
	if n < 0 || n > a.count {
		n = a.count
	}
	a.count -= n
	s.users -= n
	if a.count == 0 {
		delete(s.ports, ch.ID())
	}
	return s.users
}

func (s *Stream) channels() []port.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]port.Channel, 0, len(s.ports))
	for _, a := range s.ports {
		out = append(out, a.ch)
	}
	return out
}

func (s *Stream) broadcast(action string, content any) {
	for _, ch := range s.channels() {
		if err := ch.Send(port.Message{Sender: Sender, Action: action, Content: content}); err != nil {
			logging.Debug("dropping icc message", zap.String("port", ch.ID()), zap.Error(err))
		}
	}
}

// HandleData forwards a message to every tab on the channel.
func (s *Stream) HandleData(payload json.RawMessage) {
	s.broadcast(port.ActionReceiveData, DataContent{Channel: s.Key.Channel, Scope: s.Key.Scope, Data: payload})
}

// HandleError forwards an error frame to every tab on the channel.
func (s *Stream) HandleError(err *frame.Error) {
	s.broadcast(port.ActionReceiveError, s.errorContent("error frame", false, err))
}

func (s *Stream) errorContent(reason string, terminate bool, err *frame.Error) ErrorContent {
	desc := err.Description()
	return ErrorContent{
		Channel:   s.Key.Channel,
		Scope:     s.Key.Scope,
		Reason:    reason,
		Terminate: terminate,
		Type:      desc.Type,
		Msg:       desc.Msg,
	}
}

// Options configure a Pool.
type Options struct {
	Stream      stream.PoolOptions
	Transport   transport.Factory
	Tokens      stream.TokenSource
	RetryBudget int
	Reconnect   retry.Config
	StopTimeout time.Duration
}

// Pool owns the ICC streams.
type Pool struct {
	*stream.Pool[*Stream]
	opts   Options
	policy stream.RetryPolicy

	mu    sync.Mutex
	byKey map[Key]*Stream
}

// NewPool creates a pool and registers it with the token source.
func NewPool(opts Options) *Pool {
	if opts.Stream.Name == "" {
		opts.Stream.Name = Sender
	}
	if opts.Stream.Endpoint.Method == "" {
		opts.Stream.Endpoint.Method = http.MethodGet
	}
	p := &Pool{
		opts:  opts,
		byKey: make(map[Key]*Stream),
		policy: stream.RetryPolicy{
			Budget: opts.RetryBudget,
			Delay:  opts.Reconnect,
			Tokens: opts.Tokens,
		},
	}
	p.Pool = stream.NewPool[*Stream](opts.Stream, p.handleResult)
	if opts.Tokens != nil {
		opts.Tokens.Subscribe(Sender, p.onAuthChange)
	}
	return p
}

// Close stops all streams.
func (p *Pool) Close() {
	if p.opts.Tokens != nil {
		p.opts.Tokens.Unsubscribe(Sender)
	}
	p.Pool.Close()
}

// Open attaches ch to the channel key, opening the stream if needed.
func (p *Pool) Open(ch port.Channel, key Key) *Stream {
	p.mu.Lock()
	st := p.byKey[key]
	if st != nil {
		st.attach(ch)
		p.mu.Unlock()
		return st
	}

	st = &Stream{Key: key, ports: make(map[string]*attachment)}
	st.Stream = stream.New(stream.Options{
		Pool:        Sender,
		Endpoint:    p.streamEndpoint(p.Endpoint(), key.Channel),
		QueryParams: url.Values{"meeting_id": {strconv.Itoa(key.Scope)}},
		Transport:   p.opts.Transport,
		Handler:     st,
		StopTimeout: p.opts.StopTimeout,
	})
	if p.opts.Tokens != nil {
		st.SetAuthToken(p.opts.Tokens.CurrentToken())
	}
	st.attach(ch)
	p.byKey[key] = st
	p.mu.Unlock()

	logging.Debug("opening icc stream", zap.Stringer("key", key))
	p.AddStream(st)
	p.Reconnect(st, false)
	return st
}

// streamEndpoint appends the channel type to the service URL.
func (p *Pool) streamEndpoint(e stream.Endpoint, channel string) stream.Endpoint {
	e.URL = strings.TrimSuffix(e.URL, "/") + "/" + url.PathEscape(channel)
	return e
}

// CloseStream drops one reference of ch on key. The stream stops when nobody
// uses it any more.
func (p *Pool) CloseStream(ch port.Channel, key Key) {
	p.release(ch, key, 1)
}

// ClosePort drops every reference a vanished tab held.
func (p *Pool) ClosePort(ch port.Channel) {
	p.mu.Lock()
	keys := make([]Key, 0, len(p.byKey))
	for key := range p.byKey {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.release(ch, key, -1)
	}
}

func (p *Pool) release(ch port.Channel, key Key, n int) {
	p.mu.Lock()
	st := p.byKey[key]
	if st == nil {
		p.mu.Unlock()
		return
	}
	if st.detach(ch, n) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.byKey, key)
	p.mu.Unlock()

	logging.Debug("closing unused icc stream", zap.Stringer("key", key))
	p.RemoveStream(st)
}

// Stream returns the open stream for key, or nil.
func (p *Pool) Stream(key Key) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey[key]
}

// SetEndpoint moves every channel to the service at e.
func (p *Pool) SetEndpoint(e stream.Endpoint) {
	if e.Method == "" {
		e.Method = http.MethodGet
	}
	p.MoveTo(e, func(st *Stream, e stream.Endpoint) stream.Endpoint {
		return p.streamEndpoint(e, st.Key.Channel)
	})
}

func (p *Pool) handleResult(ctx context.Context, st *Stream, res stream.Result) {
	switch res.Reason {
	case stream.Aborted:
		if st.Users() == 0 {
			p.RemoveStream(st)
		}
	case stream.Errored:
		// ICC streams carry a single channel; there is nothing to split.
		if p.HandleError(ctx, st, res.Err, p.policy, 1) == stream.Terminate {
			p.terminate(st, res.Err)
		}
	case stream.Resolved:
		if st.Anomalous(res) {
			p.HandleResolve(ctx, st, p.policy)
		}
	}
}

func (p *Pool) terminate(st *Stream, err *frame.Error) {
	logging.Warn("terminating icc stream", zap.Stringer("key", st.Key), zap.Error(err))
	st.broadcast(port.ActionReceiveError, st.errorContent("retries exhausted", true, err))

	p.mu.Lock()
	if p.byKey[st.Key] == st {
		delete(p.byKey, st.Key)
	}
	p.mu.Unlock()
	p.RemoveStream(st)
	metrics.RecordTermination(Sender)
}

func (p *Pool) onAuthChange(c auth.Change) {
	for _, st := range p.Streams() {
		st.SetAuthToken(c.Token)
	}
	if c.UserChanged {
		// Old attempts are stopped first so nothing of the previous user is
		// forwarded after the switch.
		p.Migrate(func(*Stream) {})
	}
}
