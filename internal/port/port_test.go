package port

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecordsAndCloses(t *testing.T) {
	m := NewMemory("tab-1")
	require.NoError(t, m.Send(Message{Sender: "autoupdate", Action: ActionStatus}))
	require.NoError(t, m.Send(Message{Sender: "autoupdate", Action: ActionReceiveData}))

	assert.Len(t, m.Messages(), 2)
	assert.Len(t, m.WithAction(ActionStatus), 1)

	select {
	case <-m.Notify():
	default:
		t.Fatal("expected notification")
	}

	m.Close()
	m.Close()
	assert.ErrorIs(t, m.Send(Message{}), ErrClosed)
	select {
	case <-m.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry()
	a, b := NewMemory("a"), NewMemory("b")
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Count())

	r.Broadcast(Message{Sender: "autoupdate", Action: ActionStatus, Content: "healthy"})
	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 1)

	r.Remove(a)
	r.Broadcast(Message{Action: ActionNewUser})
	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 2)
	assert.Equal(t, 1, r.Count())
}

func TestConn_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	inbound := make(chan Inbound, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, 4)
		c.Send(Message{Sender: "control", Action: ActionPong})
		c.Run(context.Background(), func(in Inbound) { inbound <- in })
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ActionPong, msg.Action)

	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"receiver":"control","msg":{"action":"ping","params":{"x":1}}}`)))

	select {
	case in := <-inbound:
		assert.Equal(t, "control", in.Receiver)
		assert.Equal(t, "ping", in.Msg.Action)
		assert.JSONEq(t, `{"x":1}`, string(in.Msg.Params))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}
