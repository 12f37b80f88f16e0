package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
)

// DefaultMaxFrameSize bounds a single newline-delimited frame.
const DefaultMaxFrameSize = 64 << 20

// Streaming issues one long-lived request and emits one OnData call per
// newline-delimited frame of the response body.
type Streaming struct {
	lifecycle

	client       *http.Client
	cfg          Config
	cb           Callbacks
	maxFrameSize int
}

// StreamingOptions tune a Streaming adapter.
type StreamingOptions struct {
	Client       *http.Client
	StopTimeout  time.Duration
	MaxFrameSize int
}

// NewStreaming creates a streaming adapter.
func NewStreaming(cfg Config, cb Callbacks, opts StreamingOptions) *Streaming {
	if opts.Client == nil {
		// No timeout for long-lived streams
		opts.Client = &http.Client{Timeout: 0}
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Streaming{
		lifecycle:    lifecycle{stopTimeout: opts.StopTimeout},
		client:       opts.Client,
		cfg:          cfg,
		cb:           cb,
		maxFrameSize: opts.MaxFrameSize,
	}
}

// StreamingFactory returns a Factory producing Streaming adapters.
func StreamingFactory(opts StreamingOptions) Factory {
	return func(cfg Config, cb Callbacks) Adapter {
		return NewStreaming(cfg, cb, opts)
	}
}

// Start implements Adapter.
func (s *Streaming) Start(ctx context.Context) error {
	ctx, end, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	return finish(ctx, s.run(ctx), s.cb)
}

func (s *Streaming) run(ctx context.Context) error {
	var body io.Reader
	if s.cfg.Body != nil {
		body = bytes.NewReader(s.cfg.Body)
	}
	cfg := s.cfg
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}

	req, err := newRequest(ctx, cfg, body)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readError(resp)
	}

	logging.Debug("stream connected", zap.String("url", s.cfg.URL))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if s.cb.OnData != nil {
			// The scanner reuses its buffer
			s.cb.OnData(bytes.Clone(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}
