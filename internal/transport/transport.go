// Package transport wraps the physical connection methods to the backend
// behind one start/stop contract.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
)

var (
	// ErrAborted is returned by Start when the adapter was stopped or its
	// context was cancelled.
	ErrAborted = errors.New("transport aborted")
	// ErrActive is returned by Start on an adapter that is already running.
	ErrActive = errors.New("transport already active")
)

// DefaultStopTimeout bounds how long Stop waits for an abort to be observed.
const DefaultStopTimeout = 5 * time.Second

// Header names sent with every request.
const (
	HeaderAuth   = "authentication"
	HeaderBypass = "ngsw-bypass"
)

// Config describes one connection.
type Config struct {
	URL         string
	Method      string
	Body        []byte
	ContentType string
	AuthToken   string
}

// Callbacks receive the adapter's output.
type Callbacks struct {
	OnData  func(frame []byte)
	OnError func(err error)
}

// Adapter is one physical connection method.
type Adapter interface {
	// Start runs the connection until it ends and returns nil when the
	// server closed it, ErrAborted when it was stopped, or the failure.
	Start(ctx context.Context) error
	// Stop aborts a running Start and waits, bounded, until it returned.
	// Stop on an idle adapter is a no-op.
	Stop()
	Active() bool
}

// Factory builds an adapter for one connection attempt.
type Factory func(Config, Callbacks) Adapter

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d", e.Code)
}

// Classified returns the frame classification of the response.
func (e *StatusError) Classified() *frame.Error {
	fe := frame.FromStatus(e.Code, e.Body)
	fe.Err = e
	return fe
}

// lifecycle holds the start/stop bookkeeping shared by both variants.
type lifecycle struct {
	stopTimeout time.Duration

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) begin(ctx context.Context) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return nil, nil, ErrActive
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.active = true
	l.cancel = cancel
	l.done = done

	end := func() {
		l.mu.Lock()
		l.active = false
		l.cancel = nil
		l.mu.Unlock()
		cancel()
		close(done)
	}
	return ctx, end, nil
}

// Active reports whether Start is running.
func (l *lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Stop cancels the running attempt and waits for Start to return.
func (l *lifecycle) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	timeout := l.stopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn("transport did not observe abort in time", zap.Duration("timeout", timeout))
	}
}

// newRequest builds the outbound request with the cache bypass marker and
// the auth header.
func newRequest(ctx context.Context, cfg Config, body io.Reader) (*http.Request, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderBypass, "true")
	req.Header.Set("Cache-Control", "no-cache")
	if cfg.ContentType != "" && body != nil {
		req.Header.Set("Content-Type", cfg.ContentType)
	}
	if cfg.AuthToken != "" {
		req.Header.Set(HeaderAuth, cfg.AuthToken)
	}
	return req, nil
}

// readError drains a bounded prefix of an error body.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Code: resp.StatusCode, Body: body}
}

// finish maps the raw outcome of an attempt onto the Start contract.
func finish(ctx context.Context, err error, cb Callbacks) error {
	if ctx.Err() != nil {
		return ErrAborted
	}
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}
