package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-client-sub007/internal/config"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":true}`))
	}))
	t.Cleanup(backend.Close)

	path := filepath.Join(t.TempDir(), "syncworker.yml")
	yml := "autoupdate:\n" +
		"  url: " + backend.URL + "/system/autoupdate\n" +
		"  compression: false\n" +
		"icc:\n" +
		"  url: " + backend.URL + "/system/icc\n" +
		"auth:\n" +
		"  url: " + backend.URL + "\n" +
		"  cookie_file: " + filepath.Join(t.TempDir(), "cookies") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_ServesHealthAndWebsocket(t *testing.T) {
	a, err := newApp(testConfig(t))
	require.NoError(t, err)
	assert.True(t, a.autoupdate.CompressionDisabled())

	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, true, health["healthy"])

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(port.Inbound{Receiver: "control", Msg: port.InboundMsg{Action: "ping"}}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg port.Message
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, port.ActionPong, msg.Action)

	a.close()
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}
