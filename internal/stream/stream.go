// Package stream implements the generic stream lifecycle and the stream
// pool shared by the autoupdate and ICC channels.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
)

// StopReason tells how a Start call ended.
type StopReason string

const (
	Resolved StopReason = "resolved"
	Errored  StopReason = "error"
	Aborted  StopReason = "aborted"
	InUse    StopReason = "in-use"
)

// Result is the outcome of one Start call.
type Result struct {
	Reason StopReason
	Err    *frame.Error
}

// Kind says whether a stream is expected to stay open.
type Kind int

const (
	// Infinite streams are closed by the server only when something went
	// wrong on its side.
	Infinite Kind = iota
	// SingleShot streams deliver one answer and resolve.
	SingleShot
)

// Endpoint is a backend the streams of one pool connect to.
type Endpoint struct {
	URL       string `json:"url"`
	HealthURL string `json:"healthUrl"`
	Method    string `json:"method"`
}

// Handler receives decoded frames. Calls are sequential per stream and in
// receipt order.
type Handler interface {
	HandleData(payload json.RawMessage)
	HandleError(err *frame.Error)
}

// Options configure a Stream.
type Options struct {
	Pool        string // pool name, used for metrics and logs
	Endpoint    Endpoint
	QueryParams url.Values
	Kind        Kind
	// Body is evaluated before every connection attempt.
	Body      func() []byte
	Transport transport.Factory
	// Decode defaults to frame.Decode.
	Decode      func([]byte) (json.RawMessage, *frame.Error)
	Handler     Handler
	StopTimeout time.Duration
}

var streamIDs atomic.Int64

// Stream owns one transport adapter at a time and tracks failures across
// connection attempts.
type Stream struct {
	id   int64
	opts Options

	mu            sync.Mutex
	endpoint      Endpoint
	queryParams   url.Values
	authToken     string
	failedCounter int
	lastError     *frame.Error
	attemptErr    *frame.Error
	frames        int
	attempt       uint64 // bumped per attempt and on abort
	adapter       transport.Adapter
	cancel        context.CancelFunc
	active        bool
	done          chan struct{}
}

// New creates an idle stream.
func New(opts Options) *Stream {
	if opts.Decode == nil {
		opts.Decode = frame.Decode
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = transport.DefaultStopTimeout
	}
	params := url.Values{}
	for k, v := range opts.QueryParams {
		params[k] = append([]string(nil), v...)
	}
	return &Stream{
		id:          streamIDs.Add(1),
		opts:        opts,
		endpoint:    opts.Endpoint,
		queryParams: params,
	}
}

// ID identifies the stream in logs.
func (s *Stream) ID() int64 { return s.id }

// Kind returns whether the stream is single-shot. Streams reading a history
// position are single-shot too.
func (s *Stream) Kind() Kind {
	if s.opts.Kind == SingleShot || s.Position() > 0 {
		return SingleShot
	}
	return Infinite
}

// Position returns the requested history position, 0 for live data.
func (s *Stream) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.Atoi(s.queryParams.Get("position"))
	return n
}

// Anomalous reports whether res is a server closing a stream that should
// have stayed open.
func (s *Stream) Anomalous(res Result) bool {
	return res.Reason == Resolved && s.Position() == 0 && s.Kind() == Infinite
}

// QueryParams returns a copy of the query parameters.
func (s *Stream) QueryParams() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := url.Values{}
	for k, v := range s.queryParams {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// SetQueryParams replaces the query parameters for the next attempt.
func (s *Stream) SetQueryParams(params url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryParams = params
}

// SetAuthToken sets the token used by the next connection attempt.
func (s *Stream) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

// AuthToken returns the token of the next connection attempt.
func (s *Stream) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

// SetEndpoint points the next connection attempt at e.
func (s *Stream) SetEndpoint(e Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = e
}

// Endpoint returns the endpoint of the next connection attempt.
func (s *Stream) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// FailedCounter returns the number of consecutive failed attempts.
func (s *Stream) FailedCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedCounter
}

// SetFailedCounter pre-seeds the failure counter.
func (s *Stream) SetFailedCounter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCounter = n
}

// LastError returns the most recent failure, nil if none.
func (s *Stream) LastError() *frame.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SetTransport makes the next connection attempt use f.
func (s *Stream) SetTransport(f transport.Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Transport = f
}

// Active reports whether a connection attempt is running.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Stream) url() string {
	u := s.endpoint.URL
	if q := s.queryParams.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// Start runs one connection attempt to completion. On an active stream it
// returns InUse unless force is set, in which case the running attempt is
// stopped first.
func (s *Stream) Start(ctx context.Context, force bool) Result {
	s.mu.Lock()
	if s.active {
		if !force {
			s.mu.Unlock()
			return Result{Reason: InUse}
		}
		s.attempt++
		adapter, cancel, done := s.adapter, s.cancel, s.done
		s.mu.Unlock()

		cancel()
		adapter.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			return Result{Reason: Aborted}
		case <-time.After(s.opts.StopTimeout):
			logging.Warn("stream did not stop in time, not restarting",
				zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id))
			return Result{Reason: InUse}
		}

		s.mu.Lock()
		if s.active {
			// Someone else restarted it meanwhile.
			s.mu.Unlock()
			return Result{Reason: InUse}
		}
	}

	var body []byte
	if s.opts.Body != nil {
		body = s.opts.Body()
	}
	cfg := transport.Config{
		URL:       s.url(),
		Method:    s.endpoint.Method,
		Body:      body,
		AuthToken: s.authToken,
	}
	s.attempt++
	attempt := s.attempt
	adapter := s.opts.Transport(cfg, transport.Callbacks{
		OnData: func(data []byte) { s.onFrame(attempt, data) },
	})
	done := make(chan struct{})
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.active = true
	s.attemptErr = nil
	s.frames = 0
	s.adapter = adapter
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	logging.Debug("stream starting",
		zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id), zap.String("url", cfg.URL))

	err := adapter.Start(attemptCtx)

	s.mu.Lock()
	res := s.result(err)
	if res.Reason == Errored {
		s.failedCounter++
		s.lastError = res.Err
	}
	failed := s.failedCounter
	s.active = false
	s.mu.Unlock()
	close(done)

	metrics.RecordStreamResult(s.opts.Pool, string(res.Reason))
	logging.Debug("stream stopped",
		zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id),
		zap.String("reason", string(res.Reason)), zap.Int("failed", failed))
	return res
}

// result maps the adapter outcome. Callers hold s.mu.
func (s *Stream) result(err error) Result {
	switch {
	case err == nil && s.attemptErr != nil:
		return Result{Reason: Errored, Err: s.attemptErr}
	case err == nil:
		return Result{Reason: Resolved}
	case errors.Is(err, transport.ErrAborted):
		return Result{Reason: Aborted}
	case errors.Is(err, transport.ErrActive):
		return Result{Reason: InUse}
	}

	var se *transport.StatusError
	if errors.As(err, &se) {
		return Result{Reason: Errored, Err: se.Classified()}
	}
	return Result{Reason: Errored, Err: frame.Classify(err)}
}

// onFrame handles a frame of the given attempt. Frames of attempts that
// were aborted or replaced are dropped.
func (s *Stream) onFrame(attempt uint64, data []byte) {
	s.mu.Lock()
	current := s.active && attempt == s.attempt
	s.mu.Unlock()
	if !current {
		logging.Debug("dropping frame of stopped attempt",
			zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id))
		return
	}

	payload, ferr := s.opts.Decode(data)
	if ferr != nil {
		s.mu.Lock()
		s.attemptErr = ferr
		s.lastError = ferr
		s.mu.Unlock()

		metrics.RecordFrame(s.opts.Pool, "error")
		logging.Debug("stream received error frame",
			zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id), zap.Error(ferr))
		if s.opts.Handler != nil {
			s.opts.Handler.HandleError(ferr)
		}
		return
	}

	s.mu.Lock()
	s.failedCounter = 0
	s.attemptErr = nil
	s.frames++
	s.mu.Unlock()

	metrics.RecordFrame(s.opts.Pool, "data")
	if s.opts.Handler != nil {
		s.opts.Handler.HandleData(payload)
	}
}

// Abort stops a running attempt and waits until it ended. Safe on an idle
// stream.
func (s *Stream) Abort() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.attempt++
	adapter, cancel, done := s.adapter, s.cancel, s.done
	s.mu.Unlock()

	cancel()
	adapter.Stop()
	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		logging.Warn("stream did not stop in time",
			zap.String("pool", s.opts.Pool), zap.Int64("stream", s.id))
	}
}
