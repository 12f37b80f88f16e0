package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
	"github.com/OpenSlides/openslides-client-sub007/pkg/retry"
)

// Health states broadcast while waiting for an endpoint.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// DefaultOfflineGrace is how long a pool stays connected after the tabs
// reported going offline.
const DefaultOfflineGrace = 10 * time.Second

// Streamer is a stream specialization managed by a Pool.
type Streamer interface {
	comparable
	Base() *Stream
}

// ResultHandler decides what happens after a Start call ended. It runs on
// the goroutine that ran the attempt.
type ResultHandler[S Streamer] func(ctx context.Context, s S, res Result)

// PoolOptions configure a Pool.
type PoolOptions struct {
	Name          string
	Endpoint      Endpoint
	Client        *http.Client
	Clock         clock.Clock
	Broadcaster   port.Broadcaster
	OfflineGrace  time.Duration
	HealthTimeout time.Duration
	HealthBackoff retry.Config
	// ReconnectRate limits connection attempts per second, 0 disables.
	ReconnectRate float64
}

// Pool owns a set of streams against one endpoint.
type Pool[S Streamer] struct {
	opts    PoolOptions
	handle  ResultHandler[S]
	ctx     context.Context
	cancel  context.CancelFunc
	health  singleflight.Group
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu           sync.Mutex
	endpoint     Endpoint
	streams      []S
	offlineTimer clock.Timer
	closed       bool
}

// NewPool creates a pool. handle is called after every connection attempt.
func NewPool[S Streamer](opts PoolOptions, handle ResultHandler[S]) *Pool[S] {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = DefaultOfflineGrace
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.HealthBackoff.InitialWait <= 0 {
		opts.HealthBackoff = retry.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[S]{
		opts:     opts,
		handle:   handle,
		ctx:      ctx,
		cancel:   cancel,
		endpoint: opts.Endpoint,
	}
	if opts.ReconnectRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.ReconnectRate), 1)
	}
	return p
}

// Name returns the pool name used as sender of status broadcasts.
func (p *Pool[S]) Name() string { return p.opts.Name }

// Context is cancelled when the pool is closed.
func (p *Pool[S]) Context() context.Context { return p.ctx }

// Clock returns the pool clock.
func (p *Pool[S]) Clock() clock.Clock { return p.opts.Clock }

// Endpoint returns the endpoint new streams should use.
func (p *Pool[S]) Endpoint() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// AddStream registers s. It does not start it.
func (p *Pool[S]) AddStream(s S) {
	p.mu.Lock()
	p.streams = append(p.streams, s)
	n := len(p.streams)
	p.mu.Unlock()
	metrics.SetStreamsActive(p.opts.Name, n)
}

// RemoveStream unregisters s and aborts it.
func (p *Pool[S]) RemoveStream(s S) {
	p.mu.Lock()
	for i, other := range p.streams {
		if other == s {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			break
		}
	}
	n := len(p.streams)
	p.mu.Unlock()

	metrics.SetStreamsActive(p.opts.Name, n)
	s.Base().Abort()
}

// Has reports whether s is registered.
func (p *Pool[S]) Has(s S) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, other := range p.streams {
		if other == s {
			return true
		}
	}
	return false
}

// Streams returns a snapshot of the registered streams.
func (p *Pool[S]) Streams() []S {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]S(nil), p.streams...)
}

// Reconnect starts s in the background and hands the result to the pool's
// handler. With force a running attempt is replaced.
func (p *Pool[S]) Reconnect(s S, force bool) {
	p.Go(func() { p.connect(s, force) })
}

func (p *Pool[S]) connect(s S, force bool) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
	}
	if !p.Has(s) {
		return
	}

	res := s.Base().Start(p.ctx, force)
	if p.handle != nil {
		p.handle(p.ctx, s, res)
	}
}

// ReconnectAll restarts every stream, or only the idle ones.
func (p *Pool[S]) ReconnectAll(onlyInactive bool) {
	for _, s := range p.Streams() {
		if onlyInactive && s.Base().Active() {
			continue
		}
		p.Reconnect(s, !onlyInactive)
	}
}

// UpdateOnlineStatus handles the tabs' connectivity reports. Going offline
// aborts all streams after the grace period unless the pool came back
// online in between.
func (p *Pool[S]) UpdateOnlineStatus(online bool) {
	p.mu.Lock()
	if online {
		if p.offlineTimer != nil {
			p.offlineTimer.Stop()
			p.offlineTimer = nil
		}
		p.mu.Unlock()
		p.ReconnectAll(true)
		return
	}

	if p.offlineTimer == nil && !p.closed {
		p.offlineTimer = p.opts.Clock.AfterFunc(p.opts.OfflineGrace, p.goOffline)
	}
	p.mu.Unlock()
}

func (p *Pool[S]) goOffline() {
	p.mu.Lock()
	if p.offlineTimer == nil {
		p.mu.Unlock()
		return
	}
	p.offlineTimer = nil
	streams := append([]S(nil), p.streams...)
	p.mu.Unlock()

	logging.Info("offline, closing streams",
		zap.String("pool", p.opts.Name), zap.Int("streams", len(streams)))
	for _, s := range streams {
		s.Base().Abort()
	}
}

// Offline reports whether an offline grace period is running.
func (p *Pool[S]) Offline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offlineTimer != nil
}

type healthResponse struct {
	Healthy bool `json:"healthy"`
}

// IsEndpointHealthy performs one health check.
func (p *Pool[S]) IsEndpointHealthy(ctx context.Context) bool {
	healthURL := p.Endpoint().HealthURL
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	healthy := p.checkHealth(ctx, healthURL)
	metrics.SetEndpointHealthy(p.opts.Name, healthy)
	return healthy
}

func (p *Pool[S]) checkHealth(ctx context.Context, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logging.Warn("invalid health url", zap.String("url", healthURL), zap.Error(err))
		return false
	}
	req.Header.Set(transport.HeaderBypass, "true")

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		logging.Debug("health check failed", zap.String("pool", p.opts.Name), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Healthy
}

// WaitUntilEndpointHealthy returns once the endpoint reported healthy.
// Concurrent callers share one probing loop.
func (p *Pool[S]) WaitUntilEndpointHealthy(ctx context.Context) error {
	ch := p.health.DoChan("health", func() (any, error) {
		return nil, p.waitHealthy()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (p *Pool[S]) waitHealthy() error {
	backoff := retry.NewBackoff(p.opts.HealthBackoff)
	unhealthy := false
	for {
		if p.IsEndpointHealthy(p.ctx) {
			if unhealthy {
				logging.Info("endpoint healthy again", zap.String("pool", p.opts.Name))
				p.broadcastStatus(StatusHealthy)
			}
			return nil
		}
		if !unhealthy {
			unhealthy = true
			logging.Warn("endpoint unhealthy", zap.String("pool", p.opts.Name))
			p.broadcastStatus(StatusUnhealthy)
		}
		if err := retry.Sleep(p.ctx, p.opts.Clock, backoff.Next()); err != nil {
			return err
		}
	}
}

func (p *Pool[S]) broadcastStatus(status string) {
	p.Broadcast(port.ActionStatus, map[string]string{"status": status})
}

// Broadcast sends a message from this pool to every tab.
func (p *Pool[S]) Broadcast(action string, content any) {
	if p.opts.Broadcaster == nil {
		return
	}
	p.opts.Broadcaster.Broadcast(port.Message{
		Sender:  p.opts.Name,
		Action:  action,
		Content: content,
	})
}

// SetEndpoint moves every stream to e and reconnects them.
func (p *Pool[S]) SetEndpoint(e Endpoint) {
	p.MoveTo(e, nil)
}

// MoveTo is SetEndpoint for pools whose streams derive their own endpoint
// from the pool's. endpointFor may be nil.
func (p *Pool[S]) MoveTo(e Endpoint, endpointFor func(S, Endpoint) Endpoint) {
	p.mu.Lock()
	p.endpoint = e
	p.mu.Unlock()

	logging.Info("endpoint changed",
		zap.String("pool", p.opts.Name), zap.String("url", e.URL))
	p.Migrate(func(s S) {
		if endpointFor != nil {
			s.Base().SetEndpoint(endpointFor(s, e))
		} else {
			s.Base().SetEndpoint(e)
		}
	})
}

// Migrate stops every stream, applies update to it while no attempt runs
// and reconnects it.
func (p *Pool[S]) Migrate(update func(S)) {
	streams := p.Streams()
	for _, s := range streams {
		s.Base().Abort()
		update(s)
	}
	for _, s := range streams {
		p.Reconnect(s, false)
	}
}

// Go runs fn in the background. Close waits for it. fn is dropped once the
// pool is closed.
func (p *Pool[S]) Go(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Close aborts all streams and waits for their attempts to end.
func (p *Pool[S]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	if p.offlineTimer != nil {
		p.offlineTimer.Stop()
		p.offlineTimer = nil
	}
	streams := append([]S(nil), p.streams...)
	p.mu.Unlock()

	for _, s := range streams {
		s.Base().Abort()
	}
	p.wg.Wait()
}
