package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport/transporttest"
)

type recordingHandler struct {
	mu     sync.Mutex
	data   []string
	errors []*frame.Error
}

func (h *recordingHandler) HandleData(payload json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = append(h.data, string(payload))
}

func (h *recordingHandler) HandleError(err *frame.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func (h *recordingHandler) Data() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.data...)
}

func newTestStream(script *transporttest.Script, h Handler, params url.Values) *Stream {
	return New(Options{
		Pool:        "test",
		Endpoint:    Endpoint{URL: "http://backend/system/autoupdate", Method: "POST"},
		QueryParams: params,
		Transport:   script.Factory(),
		Handler:     h,
		StopTimeout: time.Second,
	})
}

func startAsync(s *Stream, force bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- s.Start(context.Background(), force) }()
	return ch
}

func TestStream_StartInUseWithoutForce(t *testing.T) {
	script := transporttest.New(transporttest.Attempt{Hold: true})
	s := newTestStream(script, nil, nil)

	first := startAsync(s, false)
	require.Eventually(t, func() bool { return script.Running() == 1 }, time.Second, time.Millisecond)

	res := s.Start(context.Background(), false)
	assert.Equal(t, InUse, res.Reason)
	assert.Equal(t, 1, script.Starts(), "a busy stream must not open a second connection")

	s.Abort()
	assert.Equal(t, Aborted, (<-first).Reason)
	assert.False(t, s.Active())
}

func TestStream_ForceReplacesRunningAttempt(t *testing.T) {
	script := transporttest.New(transporttest.Attempt{Hold: true}, transporttest.Attempt{Hold: true})
	s := newTestStream(script, nil, nil)

	first := startAsync(s, false)
	require.Eventually(t, func() bool { return script.Running() == 1 }, time.Second, time.Millisecond)

	second := startAsync(s, true)
	assert.Equal(t, Aborted, (<-first).Reason)
	require.Eventually(t, func() bool { return script.Starts() == 2 && script.Running() == 1 }, time.Second, time.Millisecond)

	s.Abort()
	assert.Equal(t, Aborted, (<-second).Reason)
}

func TestStream_AbortIsIdempotent(t *testing.T) {
	script := transporttest.New()
	s := newTestStream(script, nil, nil)

	s.Abort()
	s.Abort()

	done := startAsync(s, false)
	require.Eventually(t, s.Active, time.Second, time.Millisecond)
	s.Abort()
	s.Abort()
	assert.Equal(t, Aborted, (<-done).Reason)
}

func TestStream_FailedCounter(t *testing.T) {
	script := transporttest.New(
		transporttest.Attempt{Err: errors.New("connection reset")},
		transporttest.Attempt{Frames: []string{
			`{"error":{"type":"server","msg":"a"}}`,
			`{"error":{"type":"server","msg":"b"}}`,
		}, Err: errors.New("connection reset")},
		transporttest.Attempt{Frames: []string{`{"a/1":{"id":1}}`}},
	)
	h := &recordingHandler{}
	s := newTestStream(script, h, nil)

	res := s.Start(context.Background(), false)
	assert.Equal(t, Errored, res.Reason)
	assert.Equal(t, 1, s.FailedCounter())

	res = s.Start(context.Background(), false)
	assert.Equal(t, Errored, res.Reason)
	assert.Equal(t, 2, s.FailedCounter(), "one attempt counts once")
	assert.Len(t, h.errors, 2)

	res = s.Start(context.Background(), false)
	assert.Equal(t, Resolved, res.Reason)
	assert.Equal(t, 0, s.FailedCounter(), "data resets the counter")
	assert.Equal(t, []string{`{"a/1":{"id":1}}`}, h.Data())
}

func TestStream_ErrorFrameAfterDataFailsAttempt(t *testing.T) {
	script := transporttest.New(transporttest.Attempt{Frames: []string{
		`{"a/1":{"id":1}}`,
		`{"error":{"type":"auth","msg":"token expired"}}`,
	}})
	s := newTestStream(script, &recordingHandler{}, nil)

	res := s.Start(context.Background(), false)
	require.Equal(t, Errored, res.Reason)
	assert.Equal(t, frame.KindAuth, res.Err.Kind)
	assert.Equal(t, 1, s.FailedCounter())
	assert.Equal(t, res.Err, s.LastError())
}

func TestStream_StatusErrorIsClassified(t *testing.T) {
	script := transporttest.New(transporttest.Attempt{Err: &transport.StatusError{Code: 502}})
	s := newTestStream(script, nil, nil)

	res := s.Start(context.Background(), false)
	require.Equal(t, Errored, res.Reason)
	assert.Equal(t, frame.KindServer, res.Err.Kind)
}

func TestStream_RequestCarriesTokenAndParams(t *testing.T) {
	script := transporttest.New(transporttest.Attempt{Frames: []string{`{}`}})
	s := newTestStream(script, nil, url.Values{"single": {"1"}})
	s.SetAuthToken("bearer abc")

	s.Start(context.Background(), false)

	cfgs := script.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, "http://backend/system/autoupdate?single=1", cfgs[0].URL)
	assert.Equal(t, "bearer abc", cfgs[0].AuthToken)
	assert.Equal(t, "POST", cfgs[0].Method)
}

func TestStream_KindAndAnomaly(t *testing.T) {
	live := newTestStream(transporttest.New(), nil, nil)
	single := newTestStream(transporttest.New(), nil, url.Values{"single": {"1"}})
	single.opts.Kind = SingleShot
	history := newTestStream(transporttest.New(), nil, url.Values{"position": {"42"}})

	assert.Equal(t, Infinite, live.Kind())
	assert.Equal(t, SingleShot, single.Kind())
	assert.Equal(t, SingleShot, history.Kind())
	assert.Equal(t, 42, history.Position())

	resolved := Result{Reason: Resolved}
	assert.True(t, live.Anomalous(resolved))
	assert.False(t, single.Anomalous(resolved))
	assert.False(t, history.Anomalous(resolved))
	assert.False(t, live.Anomalous(Result{Reason: Aborted}))
}

func TestStream_DropsFramesOfStoppedAttempt(t *testing.T) {
	script := transporttest.New()
	factory := script.Factory()
	var mu sync.Mutex
	var callbacks []transport.Callbacks
	h := &recordingHandler{}
	s := New(Options{
		Pool:     "test",
		Endpoint: Endpoint{URL: "http://backend/system/autoupdate", Method: "POST"},
		Transport: func(cfg transport.Config, cb transport.Callbacks) transport.Adapter {
			mu.Lock()
			callbacks = append(callbacks, cb)
			mu.Unlock()
			return factory(cfg, cb)
		},
		Handler:     h,
		StopTimeout: time.Second,
	})

	first := startAsync(s, false)
	require.Eventually(t, func() bool { return script.Running() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	old := callbacks[0]
	mu.Unlock()

	old.OnData([]byte(`{"a":1}`))
	s.Abort()
	assert.Equal(t, Aborted, (<-first).Reason)
	old.OnData([]byte(`{"a":2}`))

	second := startAsync(s, false)
	require.Eventually(t, func() bool { return script.Running() == 1 }, time.Second, time.Millisecond)
	old.OnData([]byte(`{"a":3}`))

	assert.Equal(t, []string{`{"a":1}`}, h.Data(), "frames of an aborted attempt must not reach the handler")
	s.Abort()
	<-second
}

type stuckAdapter struct{ release chan struct{} }

func (a *stuckAdapter) Start(context.Context) error {
	<-a.release
	return transport.ErrAborted
}

func (a *stuckAdapter) Stop()        {}
func (a *stuckAdapter) Active() bool { return true }

func TestStream_ForceStartGivesUpOnStuckAttempt(t *testing.T) {
	stuck := &stuckAdapter{release: make(chan struct{})}
	s := New(Options{
		Pool:     "test",
		Endpoint: Endpoint{URL: "http://backend/system/autoupdate", Method: "POST"},
		Transport: func(transport.Config, transport.Callbacks) transport.Adapter {
			return stuck
		},
		StopTimeout: 20 * time.Millisecond,
	})

	first := startAsync(s, false)
	require.Eventually(t, s.Active, time.Second, time.Millisecond)

	begin := time.Now()
	res := s.Start(context.Background(), true)
	assert.Equal(t, InUse, res.Reason)
	assert.Less(t, time.Since(begin), time.Second)

	close(stuck.release)
	assert.Equal(t, Aborted, (<-first).Reason)
}

func TestStream_SetTransportAppliesToNextAttempt(t *testing.T) {
	streaming := transporttest.New(transporttest.Attempt{Hold: true})
	polling := transporttest.New(transporttest.Attempt{Hold: true})
	s := newTestStream(streaming, nil, nil)

	first := startAsync(s, false)
	require.Eventually(t, func() bool { return streaming.Running() == 1 }, time.Second, time.Millisecond)

	s.SetTransport(polling.Factory())
	assert.Equal(t, 1, streaming.Running(), "the running attempt is left alone")

	s.Abort()
	<-first
	second := startAsync(s, false)
	require.Eventually(t, func() bool { return polling.Running() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, streaming.Starts())

	s.Abort()
	<-second
}
