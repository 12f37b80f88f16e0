// Package autoupdate multiplexes the tabs' model subscriptions onto as few
// autoupdate connections as possible.
package autoupdate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/auth"
	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/request"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
	"github.com/OpenSlides/openslides-client-sub007/pkg/retry"
)

const paramCompress = "compress"

// Options configure a Pool.
type Options struct {
	Stream      stream.PoolOptions
	Transport   transport.Factory
	Tokens      stream.TokenSource
	RetryBudget int
	// Reconnect is the delay schedule between failed attempts.
	Reconnect   retry.Config
	StopTimeout time.Duration
}

// OpenParams are the parameters of an open request.
type OpenParams struct {
	StreamID    int                  `json:"streamId,omitempty"`
	QueryParams string               `json:"queryParams,omitempty"`
	RequestHash string               `json:"requestHash,omitempty"`
	Request     request.ModelRequest `json:"request"`
	Description string               `json:"description,omitempty"`
}

// StreamIDContent acknowledges an open request.
type StreamIDContent struct {
	StreamID    int    `json:"streamId"`
	RequestHash string `json:"requestHash,omitempty"`
}

// Pool owns all autoupdate streams and the subscription registry.
type Pool struct {
	*stream.Pool[*Stream]
	opts   Options
	policy stream.RetryPolicy

	mu                  sync.Mutex
	subscriptions       map[int]*Subscription
	compressionDisabled bool
	transport           transport.Factory
}

// NewPool creates a pool and registers it with the token source.
func NewPool(opts Options) *Pool {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = stream.DefaultRetryBudget
	}
	if opts.Stream.Name == "" {
		opts.Stream.Name = Sender
	}
	p := &Pool{
		opts:          opts,
		subscriptions: make(map[int]*Subscription),
		transport:     opts.Transport,
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

// Subscribe serves an open request from a tab: it joins an existing
// subscription that already covers the request or opens a new stream.
func (p *Pool) Subscribe(ch port.Channel, params OpenParams) (*Subscription, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(params.QueryParams, "?"))
	if err != nil {
		return nil, fmt.Errorf("parse query params: %w", err)
	}
	if params.Request.Collection == "" {
		return nil, errors.New("request without collection")
	}
	query := values.Encode()

	// The port is attached under p.mu so a concurrent last-port close
	// cannot release the matched subscription in between.
	p.mu.Lock()
	if sub := p.matchingLocked(query, params.Request); sub != nil && sub.attach(ch) {
		p.mu.Unlock()
		logging.Debug("joining subscription",
			zap.Int("subscription", sub.ID), zap.String("port", ch.ID()))
		p.ackStreamID(ch, sub.ID, params.RequestHash)
		sub.replay(ch)
		return sub, nil
	}

	id := params.StreamID
	for id == 0 || p.subscriptions[id] != nil {
		id = RandomID()
	}
	sub := NewSubscription(id, query, params.RequestHash, params.Request, params.Description)
	sub.onEmpty = p.release
	sub.attach(ch)
	p.subscriptions[id] = sub
	p.mu.Unlock()

	p.ackStreamID(ch, sub.ID, params.RequestHash)
	p.OpenNewStream([]*Subscription{sub}, values)
	return sub, nil
}

func (p *Pool) ackStreamID(ch port.Channel, id int, hash string) {
	_ = ch.Send(port.Message{
		Sender:  Sender,
		Action:  port.ActionSetStreamID,
		Content: StreamIDContent{StreamID: id, RequestHash: hash},
	})
}

// GetMatchingSubscription returns a live subscription that fulfills req
// under queryParams, or nil.
func (p *Pool) GetMatchingSubscription(queryParams string, req request.ModelRequest) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matchingLocked(queryParams, req)
}

func (p *Pool) matchingLocked(queryParams string, req request.ModelRequest) *Subscription {
	for _, sub := range p.subscriptions {
		if !sub.Closed() && sub.Fulfills(queryParams, req) {
			return sub
		}
	}
	return nil
}

// Subscription returns the registered subscription with id.
func (p *Pool) Subscription(id int) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions[id]
}

// Unsubscribe detaches ch from the subscription with id.
func (p *Pool) Unsubscribe(ch port.Channel, id int) {
	if sub := p.Subscription(id); sub != nil {
		sub.ClosePort(ch)
	}
}

// ClosePort detaches a vanished tab from every subscription.
func (p *Pool) ClosePort(ch port.Channel) {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subscriptions))
	for _, sub := range p.subscriptions {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.ClosePort(ch)
	}
}

// release runs when the last tab left sub.
func (p *Pool) release(sub *Subscription) {
	p.forget(sub)
	st := sub.Stream()
	if st == nil {
		return
	}
	if st.removeSubscription(sub) == 0 {
		logging.Debug("stream unused", zap.Int64("stream", st.ID()))
		p.RemoveStream(st)
	}
}

func (p *Pool) forget(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscriptions[sub.ID] == sub {
		delete(p.subscriptions, sub.ID)
	}
}

// CompressionDisabled reports whether streams are opened without
// compression.
func (p *Pool) CompressionDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compressionDisabled
}

// DisableCompression opens all future streams uncompressed and restarts
// the compressed ones.
func (p *Pool) DisableCompression() {
	p.mu.Lock()
	if p.compressionDisabled {
		p.mu.Unlock()
		return
	}
	p.compressionDisabled = true
	p.mu.Unlock()

	logging.Info("compression disabled")
	for _, st := range p.Streams() {
		params := st.QueryParams()
		if !params.Has(paramCompress) {
			continue
		}
		params.Del(paramCompress)
		st.SetQueryParams(params)
		p.Restart(st)
	}
}

// SetTransport switches all streams to f, for example from streaming to
// polling when push streams do not get through. Running attempts are
// stopped and reconnected with f; the snapshots are kept.
func (p *Pool) SetTransport(f transport.Factory) {
	p.mu.Lock()
	p.transport = f
	p.mu.Unlock()

	logging.Info("autoupdate transport changed")
	p.Migrate(func(st *Stream) { st.SetTransport(f) })
}

func (p *Pool) currentTransport() transport.Factory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// OpenNewStream creates and connects a stream for subs.
func (p *Pool) OpenNewStream(subs []*Subscription, params url.Values) *Stream {
	return p.openStream(subs, params, 0)
}

func (p *Pool) openStream(subs []*Subscription, params url.Values, failed int) *Stream {
	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	if p.CompressionDisabled() {
		query.Del(paramCompress)
	}
	kind := stream.Infinite
	if query.Has("single") {
		kind = stream.SingleShot
	}

	st := &Stream{pool: p, subscriptions: append([]*Subscription(nil), subs...)}
	st.Stream = stream.New(stream.Options{
		Pool:        Sender,
		Endpoint:    p.Endpoint(),
		QueryParams: query,
		Kind:        kind,
		Body:        st.body,
		Transport:   p.currentTransport(),
		Handler:     st,
		StopTimeout: p.opts.StopTimeout,
	})
	st.SetFailedCounter(failed)
	if p.opts.Tokens != nil {
		st.SetAuthToken(p.opts.Tokens.CurrentToken())
	}
	for _, sub := range subs {
		sub.setStream(st)
	}

	p.AddStream(st)
	p.Reconnect(st, false)
	return st
}

// Restart stops the stream, drops its data and reconnects it. It waits for
// the running attempt to end, so it must not be called from one of the
// stream's own frame handlers.
func (p *Pool) Restart(st *Stream) {
	st.Abort()
	st.ClearSnapshot()
	p.Reconnect(st, false)
}

func (p *Pool) handleResult(ctx context.Context, st *Stream, res stream.Result) {
	switch res.Reason {
	case stream.Aborted:
		if st.SubscriptionCount() == 0 {
			p.RemoveStream(st)
		}
	case stream.Errored:
		switch p.HandleError(ctx, st, res.Err, p.policy, st.SubscriptionCount()) {
		case stream.Split:
			p.split(st)
		case stream.Terminate:
			p.terminate(st, res.Err)
		}
	case stream.Resolved:
		if st.Anomalous(res) {
			p.HandleResolve(ctx, st, p.policy)
		}
	}
}

// split replaces a multi-subscription stream by one stream per
// subscription. The new streams start at the retry budget so the failing
// subscription is terminated on its next failure.
func (p *Pool) split(st *Stream) {
	subs := st.Subscriptions()
	params := st.QueryParams()
	logging.Info("splitting stream",
		zap.Int64("stream", st.ID()), zap.Int("subscriptions", len(subs)))

	p.RemoveStream(st)
	metrics.RecordSplit()
	for _, sub := range subs {
		p.openStream([]*Subscription{sub}, params, p.opts.RetryBudget)
	}
}

func (p *Pool) terminate(st *Stream, err *frame.Error) {
	reason := "retries exhausted"
	if !err.Retryable() {
		reason = "unrecoverable error"
	}
	logging.Warn("terminating stream",
		zap.Int64("stream", st.ID()), zap.String("reason", reason), zap.Error(err))

	desc := err.Description()
	detail := ErrorDetail{Reason: reason, Terminate: true, Type: desc.Type, Msg: desc.Msg}
	for _, sub := range st.Subscriptions() {
		sub.SendError(detail)
		p.forget(sub)
		sub.detach()
	}
	p.RemoveStream(st)
	metrics.RecordTermination(Sender)
}

func (p *Pool) onAuthChange(c auth.Change) {
	streams := p.Streams()
	for _, st := range streams {
		st.SetAuthToken(c.Token)
	}
	if !c.UserChanged {
		return
	}
	logging.Info("user changed, restarting streams",
		zap.Int("user_id", c.UserID), zap.Int("streams", len(streams)))
	// Every old attempt is stopped before its data is dropped, so no frame
	// of the previous user can reach the cleared snapshot.
	p.Migrate(func(st *Stream) { st.ClearSnapshot() })
}
