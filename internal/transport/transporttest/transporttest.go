// Package transporttest provides a scripted transport adapter for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
)

// Attempt scripts one connection attempt. Frames are delivered in order,
// then the attempt returns Err. With Hold, and for an empty or unscripted
// attempt, it stays open until stopped.
type Attempt struct {
	Frames []string
	Err    error
	Hold   bool
}

// Script hands out scripted adapters in order.
type Script struct {
	mu       sync.Mutex
	attempts []Attempt
	configs  []transport.Config
	running  int
}

// New creates a script with the given attempts queued.
func New(attempts ...Attempt) *Script {
	return &Script{attempts: attempts}
}

// Push queues more attempts.
func (s *Script) Push(attempts ...Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempts...)
}

// Factory returns the transport factory backed by this script.
func (s *Script) Factory() transport.Factory {
	return func(cfg transport.Config, cb transport.Callbacks) transport.Adapter {
		s.mu.Lock()
		defer s.mu.Unlock()
		a := Attempt{Hold: true}
		if len(s.attempts) > 0 {
			a = s.attempts[0]
			s.attempts = s.attempts[1:]
		}
		return &adapter{script: s, cfg: cfg, cb: cb, attempt: a}
	}
}

// Starts returns how many attempts were started.
func (s *Script) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

// Running returns how many attempts are currently open.
func (s *Script) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Configs returns the configuration of every started attempt.
func (s *Script) Configs() []transport.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Config(nil), s.configs...)
}

type adapter struct {
	script  *Script
	cfg     transport.Config
	cb      transport.Callbacks
	attempt Attempt

	mu     sync.Mutex
	active bool
	stop   chan struct{}
	done   chan struct{}
}

func (a *adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return transport.ErrActive
	}
	a.active = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	stop, done := a.stop, a.done
	a.mu.Unlock()

	a.script.mu.Lock()
	a.script.configs = append(a.script.configs, a.cfg)
	a.script.running++
	a.script.mu.Unlock()

	defer func() {
		a.script.mu.Lock()
		a.script.running--
		a.script.mu.Unlock()
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
		close(done)
	}()

	for _, f := range a.attempt.Frames {
		select {
		case <-stop:
			return transport.ErrAborted
		case <-ctx.Done():
			return transport.ErrAborted
		default:
		}
		if a.cb.OnData != nil {
			a.cb.OnData([]byte(f))
		}
	}

	if a.attempt.Hold || (a.attempt.Err == nil && len(a.attempt.Frames) == 0) {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		return transport.ErrAborted
	}
	if a.attempt.Err != nil && a.cb.OnError != nil {
		a.cb.OnError(a.attempt.Err)
	}
	return a.attempt.Err
}

func (a *adapter) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	stop, done := a.stop, a.done
	select {
	case <-stop:
	default:
		close(stop)
	}
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(transport.DefaultStopTimeout):
	}
}

func (a *adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
