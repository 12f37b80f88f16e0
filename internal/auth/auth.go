// Package auth keeps the worker's bearer token fresh and tells dependents
// when the token or the signed-in user changes.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	cookiejar "github.com/juju/persistent-cookiejar"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 100 * time.Millisecond

// Anonymous is the user id of a request without a token.
const Anonymous = 0

// Change is sent to subscribers whenever the token changed.
type Change struct {
	Token       string
	UserID      int
	UserChanged bool
}

// Options configure a Manager.
type Options struct {
	URL    string
	Prefix string
	Client *http.Client
	// Jar keeps the refresh cookie across restarts. Saved on Close.
	Jar           *cookiejar.Jar
	Clock         clock.Clock
	RefreshMargin time.Duration
}

type whoAmI struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager owns the current token.
type Manager struct {
	opts   Options
	flight singleflight.Group

	mu          sync.Mutex
	token       string
	userID      int
	updating    bool
	generation  int
	timer       clock.Timer
	subscribers map[string]func(Change)
}

// NewManager creates a manager for an anonymous session.
func NewManager(opts Options) *Manager {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Jar != nil && opts.Client.Jar == nil {
		opts.Client.Jar = opts.Jar
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	return &Manager{
		opts:        opts,
		subscribers: make(map[string]func(Change)),
	}
}

// Subscribe registers fn under id, replacing an earlier registration.
func (m *Manager) Subscribe(id string, fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[id] = fn
}

// Unsubscribe removes the registration under id.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
}

// CurrentToken returns the token to send, empty when anonymous.
func (m *Manager) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// CurrentUser returns the user id of the current token.
func (m *Manager) CurrentUser() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Updating reports whether a refresh is in flight.
func (m *Manager) Updating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updating
}

// Update refreshes the token. Concurrent callers share one request and
// all see its outcome. It reports whether the refresh succeeded.
func (m *Manager) Update(ctx context.Context) bool {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return false
	case res := <-ch:
		return res.Err == nil
	}
}

// StopRefresh cancels the scheduled refresh. A refresh already in flight
// completes but does not schedule another one.
func (m *Manager) StopRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.updating = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Close stops refreshing and persists the cookie jar.
func (m *Manager) Close() error {
	m.StopRefresh()
	if m.opts.Jar == nil {
		return nil
	}
	if err := m.opts.Jar.Save(); err != nil {
		return fmt.Errorf("save cookies: %w", err)
	}
	return nil
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	m.updating = true
	gen := m.generation
	current := m.token
	m.mu.Unlock()

	token, err := m.whoAmI(ctx, current)
	metrics.RecordTokenRefresh(err == nil)

	m.mu.Lock()
	if m.generation == gen {
		m.updating = false
	}
	m.mu.Unlock()

	if err != nil {
		logging.Warn("token refresh failed", zap.Error(err))
		return err
	}
	m.apply(token, gen)
	return nil
}

func (m *Manager) whoAmI(ctx context.Context, current string) (string, error) {
	url := strings.TrimSuffix(m.opts.URL, "/") + "/" + strings.Trim(m.opts.Prefix, "/") + "/who-am-i/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(transport.HeaderBypass, "true")
	if current != "" {
		req.Header.Set(transport.HeaderAuth, current)
	}

	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("who-am-i request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read who-am-i response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("who-am-i failed (%d): %s", resp.StatusCode, string(body))
	}

	var envelope whoAmI
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("parse who-am-i response: %w", err)
	}
	if !envelope.Success {
		logging.Debug("not signed in", zap.String("message", envelope.Message))
		return "", nil
	}
	return resp.Header.Get(transport.HeaderAuth), nil
}

func (m *Manager) apply(token string, gen int) {
	claims, err := ParseToken(token)
	if err != nil {
		logging.Warn("unreadable token, treating session as anonymous", zap.Error(err))
		token, claims = "", Claims{}
	}

	m.mu.Lock()
	tokenChanged := token != m.token
	userChanged := claims.UserID != m.userID
	m.token = token
	m.userID = claims.UserID
	if m.generation == gen {
		m.schedule(claims.ExpiresAt)
	}
	subs := make([]func(Change), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if userChanged {
		logging.Info("user changed", zap.Int("user_id", claims.UserID))
	}
	if !tokenChanged && !userChanged {
		return
	}
	change := Change{Token: token, UserID: claims.UserID, UserChanged: userChanged}
	for _, fn := range subs {
		fn(change)
	}
}

// schedule arms the refresh timer. Callers hold m.mu.
func (m *Manager) schedule(expiresAt time.Time) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if expiresAt.IsZero() {
		return
	}
	wait := expiresAt.Sub(m.opts.Clock.Now()) - m.opts.RefreshMargin
	if wait < 0 {
		wait = 0
	}
	m.timer = m.opts.Clock.AfterFunc(wait, func() {
		m.Update(context.Background())
	})
}

// Claims are the parts of a token the worker cares about.
type Claims struct {
	UserID    int
	ExpiresAt time.Time
}

// ParseToken reads the claims of a bearer token without verifying its
// signature. The backend verifies; the worker only schedules refreshes.
func ParseToken(token string) (Claims, error) {
	raw := strings.TrimSpace(token)
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return Claims{}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	var out Claims
	if v, ok := claims["userId"].(float64); ok {
		out.UserID = int(v)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("token expiry: %w", err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
