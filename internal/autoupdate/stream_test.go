package autoupdate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/request"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
)

func newDetachedStream(subs ...*Subscription) *Stream {
	st := &Stream{subscriptions: subs}
	st.Stream = stream.New(stream.Options{Pool: Sender, Handler: st})
	for _, sub := range subs {
		sub.setStream(st)
	}
	return st
}

func TestStream_MergeIsShallowAndIdempotent(t *testing.T) {
	st := newDetachedStream()

	st.HandleData(json.RawMessage(`{"item/1":{"title":"A"},"item/2":{"title":"B"}}`))
	st.HandleData(json.RawMessage(`{"item/1":{"text":"x"}}`))
	once := st.Snapshot()
	st.HandleData(json.RawMessage(`{"item/1":{"text":"x"}}`))

	assert.JSONEq(t, `{"item/1":{"text":"x"},"item/2":{"title":"B"}}`, string(st.Snapshot()))
	assert.JSONEq(t, string(once), string(st.Snapshot()))
}

func TestStream_DeletionPrunesDescendants(t *testing.T) {
	st := newDetachedStream()
	st.HandleData(json.RawMessage(`{
		"item/1": {"id": 1},
		"item/1/title": "A",
		"item/10/title": "J",
		"item/2/title": "B"
	}`))

	st.HandleData(json.RawMessage(`{"item/1": null, "item/2/title": null}`))

	assert.Equal(t, []string{"item/10/title"}, keys(st.CurrentData()))

	st.RemoveFqids([]string{"item/10"})
	assert.Empty(t, st.CurrentData())
}

func TestStream_FansOutToEverySubscription(t *testing.T) {
	tab1, tab2 := port.NewMemory("tab-1"), port.NewMemory("tab-2")
	a := NewSubscription(1, "", "", itemRequest, "", tab1)
	b := NewSubscription(2, "", "", itemRequest, "", tab1, tab2)
	st := newDetachedStream(a, b)

	st.HandleData(json.RawMessage(`{"item/1":{"title":"A"}}`))
	st.HandleError(&frame.Error{Kind: frame.KindServer, Type: "internal", Msg: "oops"})

	assert.Len(t, tab1.WithAction(port.ActionReceiveData), 2)
	assert.Len(t, tab2.WithAction(port.ActionReceiveData), 1)

	errs := tab2.WithAction(port.ActionReceiveError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorContent{StreamID: 2, Error: ErrorDetail{
		Reason: "error frame", Type: "internal", Msg: "oops",
	}}, errs[0].Content)
}

func TestStream_BodyListsAllRequests(t *testing.T) {
	user := request.ModelRequest{Collection: "user", IDs: []int{3}, Fields: request.Fields{"name": request.Leaf{}}}
	st := newDetachedStream(
		NewSubscription(1, "", "", itemRequest, ""),
		NewSubscription(2, "", "", user, ""),
	)

	var body []request.ModelRequest
	require.NoError(t, json.Unmarshal(st.body(), &body))
	require.Len(t, body, 2)
	assert.True(t, body[0].Equal(itemRequest))
	assert.True(t, body[1].Equal(user))
}

func TestSubscription_Fulfills(t *testing.T) {
	wide := request.ModelRequest{
		Collection: "item",
		IDs:        []int{2, 1},
		Fields: request.Fields{
			"title": request.Leaf{},
			"owner_id": request.Relation{Collection: "user", Fields: request.Fields{
				"name":  request.Leaf{},
				"email": request.Leaf{},
			}},
		},
	}
	sub := NewSubscription(1, "single=1", "", wide, "")

	narrow := request.ModelRequest{
		Collection: "item",
		IDs:        []int{1, 2},
		Fields: request.Fields{
			"owner_id": request.Relation{Collection: "user", Fields: request.Fields{"name": request.Leaf{}}},
		},
	}
	assert.True(t, sub.Fulfills("single=1", narrow))
	assert.True(t, sub.Fulfills("single=1", wide))
	assert.False(t, sub.Fulfills("", narrow), "query params differ")

	otherIDs := narrow
	otherIDs.IDs = []int{1}
	assert.False(t, sub.Fulfills("single=1", otherIDs))

	otherTarget := narrow
	otherTarget.Fields = request.Fields{
		"owner_id": request.Relation{Collection: "group", Fields: request.Fields{"name": request.Leaf{}}},
	}
	assert.False(t, sub.Fulfills("single=1", otherTarget))

	more := narrow
	more.Fields = request.Fields{"text": request.Leaf{}}
	assert.False(t, sub.Fulfills("single=1", more))
}

func TestSubscription_PortsAndEmptyCallback(t *testing.T) {
	tab1, tab2 := port.NewMemory("tab-1"), port.NewMemory("tab-2")
	sub := NewSubscription(0, "", "", itemRequest, "")
	assert.GreaterOrEqual(t, sub.ID, randomIDBase)
	assert.NotEmpty(t, sub.RequestHash)

	emptied := 0
	sub.onEmpty = func(*Subscription) { emptied++ }

	sub.AddPort(tab1)
	sub.AddPort(tab1)
	sub.AddPort(tab2)
	assert.Len(t, sub.Ports(), 2)
	assert.Empty(t, tab1.Messages(), "nothing to replay without a stream")

	sub.ClosePort(tab1)
	sub.ClosePort(tab1)
	assert.Zero(t, emptied)
	sub.ClosePort(tab2)
	assert.Equal(t, 1, emptied)
	assert.False(t, sub.HasPort(tab2))
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
