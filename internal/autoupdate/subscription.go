package autoupdate

import (
	"encoding/json"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/request"
)

// Sender is the sender name of every autoupdate message.
const Sender = "autoupdate"

const randomIDBase = 100_000_000

// RandomID returns a subscription id for tabs that did not pick one.
func RandomID() int {
	return randomIDBase + rand.IntN(randomIDBase)
}

// DataContent is the content of a receive-data message.
type DataContent struct {
	StreamID    int             `json:"streamId"`
	Data        json.RawMessage `json:"data"`
	Description string          `json:"description,omitempty"`
}

// ErrorContent is the content of a receive-error message.
type ErrorContent struct {
	StreamID int         `json:"streamId"`
	Error    ErrorDetail `json:"error"`
}

// ErrorDetail describes a stream failure to a tab.
type ErrorDetail struct {
	Reason    string `json:"reason"`
	Terminate bool   `json:"terminate"`
	Type      string `json:"type,omitempty"`
	Msg       string `json:"msg,omitempty"`
}

// Subscription is one logical request shared by every tab that asked for
// it.
type Subscription struct {
	ID          int
	QueryParams string
	RequestHash string
	Request     request.ModelRequest
	Description string

	mu      sync.Mutex
	ports   []port.Channel
	stream  *Stream
	closed  bool
	onEmpty func(*Subscription)
}

// NewSubscription creates a subscription. An id of 0 picks a random one.
func NewSubscription(id int, queryParams, requestHash string, req request.ModelRequest, description string, ports ...port.Channel) *Subscription {
	if id == 0 {
		id = RandomID()
	}
	if requestHash == "" {
		requestHash = req.Hash()
	}
	metrics.AddSubscriptions(1)
	return &Subscription{
		ID:          id,
		QueryParams: queryParams,
		RequestHash: requestHash,
		Request:     req,
		Description: description,
		ports:       ports,
	}
}

// Fulfills reports whether this subscription already delivers everything
// a request for req under queryParams would.
func (s *Subscription) Fulfills(queryParams string, req request.ModelRequest) bool {
	if s.QueryParams != queryParams {
		return false
	}
	return s.Request.Covers(req)
}

// Stream returns the stream currently serving the subscription.
func (s *Subscription) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Subscription) setStream(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = st
}

// Ports returns the attached tabs.
func (s *Subscription) Ports() []port.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]port.Channel(nil), s.ports...)
}

// HasPort reports whether p is attached.
func (s *Subscription) HasPort(p port.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(p) >= 0
}

func (s *Subscription) indexOf(p port.Channel) int {
	for i, other := range s.ports {
		if other.ID() == p.ID() {
			return i
		}
	}
	return -1
}

// AddPort attaches p and replays the current snapshot to it. It reports
// false if the subscription was already released.
func (s *Subscription) AddPort(p port.Channel) bool {
	if !s.attach(p) {
		return false
	}
	s.replay(p)
	return true
}

func (s *Subscription) attach(p port.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.indexOf(p) < 0 {
		s.ports = append(s.ports, p)
	}
	return true
}

func (s *Subscription) replay(p port.Channel) {
	st := s.Stream()
	if st == nil {
		return
	}
	if snapshot := st.Snapshot(); snapshot != nil {
		s.send(p, port.ActionReceiveData, s.dataContent(snapshot))
	}
}

// Closed reports whether the subscription was released or terminated.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ClosePort detaches p. Detaching the last port hands the subscription to
// its empty callback.
func (s *Subscription) ClosePort(p port.Channel) {
	s.mu.Lock()
	i := s.indexOf(p)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.ports = append(s.ports[:i], s.ports[i+1:]...)
	empty := len(s.ports) == 0 && !s.closed
	if empty {
		s.closed = true
	}
	onEmpty := s.onEmpty
	s.mu.Unlock()

	if empty {
		metrics.AddSubscriptions(-1)
		if onEmpty != nil {
			onEmpty(s)
		}
	}
}

// UpdateData sends a data payload to every attached port.
func (s *Subscription) UpdateData(data json.RawMessage) {
	content := s.dataContent(data)
	for _, p := range s.Ports() {
		s.send(p, port.ActionReceiveData, content)
	}
}

// SendError sends an error to every attached port.
func (s *Subscription) SendError(detail ErrorDetail) {
	content := ErrorContent{StreamID: s.ID, Error: detail}
	for _, p := range s.Ports() {
		s.send(p, port.ActionReceiveError, content)
	}
}

func (s *Subscription) dataContent(data json.RawMessage) DataContent {
	return DataContent{StreamID: s.ID, Data: data, Description: s.Description}
}

func (s *Subscription) send(p port.Channel, action string, content any) {
	err := p.Send(port.Message{Sender: Sender, Action: action, Content: content})
	if err != nil {
		logging.Debug("dropping message for port",
			zap.String("port", p.ID()), zap.Int("subscription", s.ID), zap.Error(err))
	}
}

// detach marks a terminated subscription as gone without notifying its
// stream.
func (s *Subscription) detach() {
	s.mu.Lock()
	wasOpen := !s.closed
	s.closed = true
	s.mu.Unlock()
	if wasOpen {
		metrics.AddSubscriptions(-1)
	}
}
