package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1_700_000_000, 0)

func signToken(t *testing.T, userID int, expiresAt time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    expiresAt.Unix(),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return "bearer " + s
}

// authServer answers who-am-i with the given tokens in turn. An empty token
// answers "not signed in".
type authServer struct {
	*httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	tokens  []string
	gate    chan struct{}
	headers []string
}

func newAuthServer(t *testing.T, gate chan struct{}, tokens ...string) *authServer {
	t.Helper()
	s := &authServer{tokens: tokens, gate: gate}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system/auth/who-am-i/", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		n := int(s.calls.Add(1)) - 1
		if s.gate != nil {
			<-s.gate
		}

		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Get("authentication"))
		token := s.tokens[len(s.tokens)-1]
		if n < len(s.tokens) {
			token = s.tokens[n]
		}
		s.mu.Unlock()

		if token == "" {
			w.Write([]byte(`{"success":false,"message":"Not signed in"}`))
			return
		}
		w.Header().Set("authentication", token)
		w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestManager(srv *authServer, clk *testclock.Clock) *Manager {
	return NewManager(Options{
		URL:    srv.URL,
		Prefix: "system/auth",
		Client: srv.Client(),
		Clock:  clk,
	})
}

func TestManager_UpdateIsSingleFlight(t *testing.T) {
	token := signToken(t, 7, epoch.Add(time.Hour))
	gate := make(chan struct{})
	srv := newAuthServer(t, gate, token)
	m := newTestManager(srv, testclock.NewClock(epoch))

	results := make(chan bool, 2)
	for range 2 {
		go func() { results <- m.Update(context.Background()) }()
	}
	require.Eventually(t, func() bool { return srv.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, m.Updating())
	close(gate)

	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.EqualValues(t, 1, srv.calls.Load())
	assert.Equal(t, token, m.CurrentToken())
	assert.Equal(t, 7, m.CurrentUser())
	assert.False(t, m.Updating())
}

func TestManager_RefreshesBeforeExpiry(t *testing.T) {
	clk := testclock.NewClock(epoch)
	first := signToken(t, 1, epoch.Add(10*time.Second))
	second := signToken(t, 1, epoch.Add(time.Hour))
	srv := newAuthServer(t, nil, first, second)
	m := newTestManager(srv, clk)

	require.True(t, m.Update(context.Background()))
	require.NoError(t, clk.WaitAdvance(10*time.Second-DefaultRefreshMargin, time.Second, 1))

	require.Eventually(t, func() bool { return m.CurrentToken() == second }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, srv.calls.Load())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"", first}, srv.headers, "the refresh presents the current token")
}

func TestManager_NotifiesOnTokenAndUserChange(t *testing.T) {
	alice := signToken(t, 1, epoch.Add(time.Hour))
	aliceAgain := signToken(t, 1, epoch.Add(2*time.Hour))
	bob := signToken(t, 2, epoch.Add(time.Hour))
	srv := newAuthServer(t, nil, alice, aliceAgain, bob, "")
	m := newTestManager(srv, testclock.NewClock(epoch))

	var mu sync.Mutex
	var changes []Change
	m.Subscribe("test", func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	for range 4 {
		require.True(t, m.Update(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 4)
	assert.Equal(t, Change{Token: alice, UserID: 1, UserChanged: true}, changes[0])
	assert.Equal(t, Change{Token: aliceAgain, UserID: 1, UserChanged: false}, changes[1])
	assert.Equal(t, Change{Token: bob, UserID: 2, UserChanged: true}, changes[2])
	assert.Equal(t, Change{Token: "", UserID: Anonymous, UserChanged: true}, changes[3])
}

func TestManager_UnchangedTokenIsSilent(t *testing.T) {
	srv := newAuthServer(t, nil, "")
	m := newTestManager(srv, testclock.NewClock(epoch))

	called := false
	m.Subscribe("test", func(Change) { called = true })
	require.True(t, m.Update(context.Background()))
	assert.False(t, called)

	m.Unsubscribe("test")
}

func TestManager_StopRefreshCancelsTimer(t *testing.T) {
	clk := testclock.NewClock(epoch)
	srv := newAuthServer(t, nil, signToken(t, 1, epoch.Add(time.Minute)))
	m := newTestManager(srv, clk)

	require.True(t, m.Update(context.Background()))
	m.StopRefresh()
	clk.Advance(time.Hour)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, srv.calls.Load())
	assert.False(t, m.Updating())
}

func TestManager_ServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewManager(Options{URL: srv.URL, Prefix: "system/auth", Client: srv.Client()})
	assert.False(t, m.Update(context.Background()))
	assert.Empty(t, m.CurrentToken())
}

func TestParseToken(t *testing.T) {
	exp := epoch.Add(time.Hour)
	token := signToken(t, 42, exp)

	claims, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.True(t, exp.Equal(claims.ExpiresAt))

	claims, err = ParseToken("")
	require.NoError(t, err)
	assert.Equal(t, Claims{}, claims)

	_, err = ParseToken("bearer not-a-jwt")
	assert.Error(t, err)
}
