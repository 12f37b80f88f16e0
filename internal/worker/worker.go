// Package worker routes the tabs' messages to the stream pools and owns the
// set of connected tabs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/auth"
	"github.com/OpenSlides/openslides-client-sub007/internal/autoupdate"
	"github.com/OpenSlides/openslides-client-sub007/internal/icc"
	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
	"github.com/OpenSlides/openslides-client-sub007/internal/port"
	"github.com/OpenSlides/openslides-client-sub007/internal/stream"
	"github.com/OpenSlides/openslides-client-sub007/internal/transport"
)

// Sender is the sender name of the worker's own messages.
const Sender = "worker"

// Receivers of inbound messages.
const (
	ReceiverAutoupdate = "autoupdate"
	ReceiverICC        = "icc"
	ReceiverAuth       = "auth"
	ReceiverControl    = "control"
)

// Auth is the part of the token manager the worker drives.
type Auth interface {
	Update(ctx context.Context) bool
	StopRefresh()
	CurrentUser() int
	Subscribe(id string, fn func(auth.Change))
	Unsubscribe(id string)
}

// Options configure a Worker.
type Options struct {
	Autoupdate *autoupdate.Pool
	ICC        *icc.Pool
	Auth       Auth
	Ports      *port.Registry
	// Polling is the autoupdate transport enable-polling switches to.
	Polling transport.Factory
	// QueueSize bounds each tab's outbound queue.
	QueueSize int
}

// Worker serves the tabs.
type Worker struct {
	opts     Options
	ports    *port.Registry
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUserContent is broadcast when the signed-in user changed.
type NewUserContent struct {
	UserID int `json:"userId"`
}

// ErrorContent answers a message the worker could not handle.
type ErrorContent struct {
	Receiver string `json:"receiver,omitempty"`
	Action   string `json:"action,omitempty"`
	Msg      string `json:"msg"`
}

// New creates a worker. The ports registry should be the broadcaster the
// pools were built with.
func New(opts Options) *Worker {
	ports := opts.Ports
	if ports == nil {
		ports = port.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		opts:   opts,
		ports:  ports,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tabs of any origin that can reach the worker may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if opts.Auth != nil {
		opts.Auth.Subscribe(Sender, w.onAuthChange)
	}
	return w
}

// Ports returns the registry of connected tabs.
func (w *Worker) Ports() *port.Registry { return w.ports }

func (w *Worker) onAuthChange(c auth.Change) {
	if !c.UserChanged {
		return
	}
	w.ports.Broadcast(port.Message{
		Sender:  ReceiverAuth,
		Action:  port.ActionNewUser,
		Content: NewUserContent{UserID: c.UserID},
	})
}

// Connect registers a tab.
func (w *Worker) Connect(ch port.Channel) {
	w.ports.Add(ch)
	metrics.AddPorts(1)
	logging.Debug("port connected", zap.String("port", ch.ID()))
}

// Disconnect forgets a tab and releases everything it held.
func (w *Worker) Disconnect(ch port.Channel) {
	w.release(ch)
	if w.ports.Remove(ch) {
		metrics.AddPorts(-1)
		logging.Debug("port disconnected", zap.String("port", ch.ID()))
	}
}

func (w *Worker) release(ch port.Channel) {
	if w.opts.Autoupdate != nil {
		w.opts.Autoupdate.ClosePort(ch)
	}
	if w.opts.ICC != nil {
		w.opts.ICC.ClosePort(ch)
	}
}

// ServeHTTP upgrades a tab connection and serves it until it closes.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w.ctx.Err() != nil {
		http.Error(rw, "worker is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := port.NewConn(ws, w.opts.QueueSize)
	w.Connect(conn)
	w.wg.Add(1)
	defer w.wg.Done()
	defer w.Disconnect(conn)

	conn.Run(w.ctx, func(in port.Inbound) {
		w.Handle(conn, in)
	})
}

// Shutdown tells every tab the worker is going away and closes their
// connections.
func (w *Worker) Shutdown() {
	logging.Info("worker shutting down", zap.Int("ports", w.ports.Count()))
	w.ports.Broadcast(port.Message{Sender: Sender, Action: port.ActionTerminating})
	if w.opts.Auth != nil {
		w.opts.Auth.Unsubscribe(Sender)
	}
	w.cancel()
	w.wg.Wait()
}

// Handle routes one inbound message from ch.
func (w *Worker) Handle(ch port.Channel, in port.Inbound) {
	var err error
	switch in.Receiver {
	case ReceiverAutoupdate:
		err = w.handleAutoupdate(ch, in.Msg)
	case ReceiverICC:
		err = w.handleICC(ch, in.Msg)
	case ReceiverAuth:
		err = w.handleAuth(in.Msg)
	case ReceiverControl:
		err = w.handleControl(ch, in.Msg)
	default:
		err = fmt.Errorf("unknown receiver %q", in.Receiver)
	}
	if err == nil {
		return
	}

	logging.Debug("message rejected",
		zap.String("port", ch.ID()), zap.String("receiver", in.Receiver),
		zap.String("action", in.Msg.Action), zap.Error(err))
	_ = ch.Send(port.Message{
		Sender:  Sender,
		Action:  port.ActionError,
		Content: ErrorContent{Receiver: in.Receiver, Action: in.Msg.Action, Msg: err.Error()},
	})
}

func decode(msg port.InboundMsg, v any) error {
	if len(msg.Params) == 0 {
		return fmt.Errorf("%s: missing params", msg.Action)
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return fmt.Errorf("%s: invalid params: %w", msg.Action, err)
	}
	return nil
}

type closeParams struct {
	StreamID int `json:"streamId"`
}

type connectionParams struct {
	Online bool `json:"online"`
}

func (w *Worker) handleAutoupdate(ch port.Channel, msg port.InboundMsg) error {
	pool := w.opts.Autoupdate
	if pool == nil {
		return errors.New("autoupdate is not configured")
	}

	switch msg.Action {
	case "open":
		var params autoupdate.OpenParams
		if err := decode(msg, &params); err != nil {
			return err
		}
		_, err := pool.Subscribe(ch, params)
		return err
	case "close":
		var params closeParams
		if err := decode(msg, &params); err != nil {
			return err
		}
		pool.Unsubscribe(ch, params.StreamID)
	case "set-endpoint":
		var e stream.Endpoint
		if err := decode(msg, &e); err != nil {
			return err
		}
		if e.URL == "" {
			return errors.New("set-endpoint: missing url")
		}
		if e.HealthURL == "" {
			e.HealthURL = strings.TrimSuffix(e.URL, "/") + "/health"
		}
		if e.Method == "" {
			e.Method = http.MethodPost
		}
		pool.SetEndpoint(e)
	case "set-connection-status":
		var params connectionParams
		if err := decode(msg, &params); err != nil {
			return err
		}
		pool.UpdateOnlineStatus(params.Online)
		if w.opts.ICC != nil {
			w.opts.ICC.UpdateOnlineStatus(params.Online)
		}
	case "reconnect-inactive":
		pool.ReconnectAll(true)
	case "reconnect-force":
		pool.ReconnectAll(false)
	case "disable-compression":
		pool.DisableCompression()
	case "enable-polling":
		if w.opts.Polling == nil {
			return errors.New("polling is not configured")
		}
		pool.SetTransport(w.opts.Polling)
	default:
		return fmt.Errorf("unknown autoupdate action %q", msg.Action)
	}
	return nil
}

func (w *Worker) handleICC(ch port.Channel, msg port.InboundMsg) error {
	pool := w.opts.ICC
	if pool == nil {
		return errors.New("icc is not configured")
	}

	var key icc.Key
	if err := decode(msg, &key); err != nil {
		return err
	}
	if key.Channel == "" {
		return fmt.Errorf("%s: missing channel", msg.Action)
	}

	switch msg.Action {
	case "connect":
		pool.Open(ch, key)
	case "disconnect":
		pool.CloseStream(ch, key)
	default:
		return fmt.Errorf("unknown icc action %q", msg.Action)
	}
	return nil
}

func (w *Worker) handleAuth(msg port.InboundMsg) error {
	a := w.opts.Auth
	if a == nil {
		return errors.New("auth is not configured")
	}

	switch msg.Action {
	case "update":
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			a.Update(w.ctx)
		}()
	case "stop-refresh":
		a.StopRefresh()
	default:
		return fmt.Errorf("unknown auth action %q", msg.Action)
	}
	return nil
}

func (w *Worker) handleControl(ch port.Channel, msg port.InboundMsg) error {
	switch msg.Action {
	case "ping":
		return ch.Send(port.Message{Sender: Sender, Action: port.ActionPong})
	case "terminate":
		err := ch.Send(port.Message{Sender: Sender, Action: port.ActionAck})
		w.release(ch)
		return err
	}
	return fmt.Errorf("unknown control action %q", msg.Action)
}
