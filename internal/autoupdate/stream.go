package autoupdate

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/frame"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/request"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
)

// Stream is one physical autoupdate connection serving several
// subscriptions. It keeps the merged data of all frames so late tabs can
// catch up.
type Stream struct {
	*stream.Stream
	pool *Pool

	mu            sync.Mutex
	subscriptions []*Subscription
	snapshot      map[string]json.RawMessage
}

// Base returns the generic stream.
func (s *Stream) Base() *stream.Stream { return s.Stream }

// Subscriptions returns the attached subscriptions.
func (s *Stream) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subscriptions...)
}

// SubscriptionCount returns the number of attached subscriptions.
func (s *Stream) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// removeSubscription detaches sub and returns how many are left.
func (s *Stream) removeSubscription(sub *Subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.subscriptions {
		if other == sub {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			break
		}
	}
	return len(s.subscriptions)
}

// body is the request of the next connection attempt: the requests of all
// attached subscriptions.
func (s *Stream) body() []byte {
	s.mu.Lock()
	reqs := make([]request.ModelRequest, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		reqs = append(reqs, sub.Request)
	}
	s.mu.Unlock()

	data, err := json.Marshal(reqs)
	if err != nil {
		logging.Error("marshal stream request", zap.Error(err))
		return []byte("[]")
	}
	return data
}

// Snapshot returns the merged data so far, nil before the first frame.
func (s *Stream) Snapshot() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	data, err := json.Marshal(s.snapshot)
	if err != nil {
		return nil
	}
	return data
}

// CurrentData returns a copy of the merged data.
func (s *Stream) CurrentData() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// ClearSnapshot drops the merged data.
func (s *Stream) ClearSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
}

// RemoveFqids drops every cached key that is one of fqids or lies below
// one of them.
func (s *Stream) RemoveFqids(fqids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFqids(fqids)
}

func (s *Stream) removeFqids(fqids []string) {
	if len(fqids) == 0 || s.snapshot == nil {
		return
	}
	for key := range s.snapshot {
		for _, fqid := range fqids {
			if key == fqid || strings.HasPrefix(key, fqid+"/") {
				delete(s.snapshot, key)
				break
			}
		}
	}
}

var null = []byte("null")

// isFqid reports whether key names an object ("collection/id") rather than
// one of its fields.
func isFqid(key string) bool {
	return strings.Count(key, "/") == 1
}

// HandleData merges a frame into the snapshot and forwards it to every
// subscription. Null values are deletions.
func (s *Stream) HandleData(payload json.RawMessage) {
	var update map[string]json.RawMessage
	if err := json.Unmarshal(payload, &update); err != nil {
		logging.Warn("autoupdate frame is not an object",
			zap.Int64("stream", s.ID()), zap.Error(err))
	}

	s.mu.Lock()
	if update != nil {
		if s.snapshot == nil {
			s.snapshot = make(map[string]json.RawMessage, len(update))
		}
		var deleted []string
		for key, value := range update {
			if bytes.Equal(bytes.TrimSpace(value), null) {
				delete(s.snapshot, key)
				if isFqid(key) {
					deleted = append(deleted, key)
				}
				continue
			}
			s.snapshot[key] = value
		}
		s.removeFqids(deleted)
	}
	subs := append([]*Subscription(nil), s.subscriptions...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.UpdateData(payload)
	}
}

// HandleError forwards an error frame to every subscription. The attempt
// keeps running; the pool decides once it ended.
func (s *Stream) HandleError(err *frame.Error) {
	if errors.Is(err, frame.ErrCompressed) && s.pool != nil {
		logging.Warn("compressed frame undecodable, disabling compression",
			zap.Int64("stream", s.ID()))
		// Restarting waits for this attempt, so it cannot run here.
		s.pool.Go(s.pool.DisableCompression)
	}

	desc := err.Description()
	detail := ErrorDetail{Reason: "error frame", Type: desc.Type, Msg: desc.Msg}
	for _, sub := range s.Subscriptions() {
		sub.SendError(detail)
	}
}
