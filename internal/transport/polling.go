package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Polling issues bounded requests carrying the last seen state hash and
// re-issues them after a fixed interval.
type Polling struct {
	lifecycle

	client   *http.Client
	clock    clock.Clock
	cfg      Config
	cb       Callbacks
	interval time.Duration
	timeout  time.Duration

	hashMu sync.Mutex
	hash   string
}

// PollingOptions tune a Polling adapter.
type PollingOptions struct {
	Client      *http.Client
	Clock       clock.Clock
	Interval    time.Duration
	Timeout     time.Duration
	StopTimeout time.Duration
}

// NewPolling creates a polling adapter.
func NewPolling(cfg Config, cb Callbacks, opts PollingOptions) *Polling {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Polling{
		lifecycle: lifecycle{stopTimeout: opts.StopTimeout},
		client:    opts.Client,
		clock:     opts.Clock,
		cfg:       cfg,
		cb:        cb,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
	}
}

// PollingFactory returns a Factory producing Polling adapters.
func PollingFactory(opts PollingOptions) Factory {
	return func(cfg Config, cb Callbacks) Adapter {
		return NewPolling(cfg, cb, opts)
	}
}

// Hash returns the continuation token of the last response.
func (p *Polling) Hash() string {
	p.hashMu.Lock()
	defer p.hashMu.Unlock()
	return p.hash
}

// Start implements Adapter. It only returns on stop or failure.
func (p *Polling) Start(ctx context.Context) error {
	ctx, end, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	for {
		if err := p.poll(ctx); err != nil {
			return finish(ctx, err, p.cb)
		}

		select {
		case <-ctx.Done():
			return ErrAborted
		case <-p.clock.After(p.interval):
		}
	}
}

func (p *Polling) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("request", string(p.cfg.Body))
	form.Set("lastpolling", p.Hash())

	cfg := p.cfg
	cfg.ContentType = "application/x-www-form-urlencoded"
	req, err := newRequest(ctx, cfg, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse poll response: %w", err)
	}

	p.hashMu.Lock()
	p.hash = values.Get("hash")
	p.hashMu.Unlock()

	if data := values.Get("data"); data != "" && p.cb.OnData != nil {
		p.cb.OnData([]byte(data))
	}
	return nil
}
