package p2p

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gastric-adci/collab-signaling/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	transportWriteWait  = 10 * time.Second
	transportMaxMessage = 1 << 20
)

// ErrTransportClosed is returned by Connect after Close.
var ErrTransportClosed = errors.New("signaling transport closed")

// errHeartbeatTimeout is reported to the handler when the transport drops a
// connection that stopped acknowledging heartbeats.
var errHeartbeatTimeout = errors.New("heartbeat acknowledgements missed")

// SignalingState is the state of the connection to the signaling server.
type SignalingState string

const (
	SignalingDisconnected SignalingState = "disconnected"
	SignalingConnecting   SignalingState = "connecting"
	SignalingConnected    SignalingState = "connected"
	SignalingClosed       SignalingState = "closed"
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	URL   string
	Token string

	ReconnectDelay      time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int

	Dialer *websocket.Dialer
}

// Handler receives transport lifecycle notifications and inbound messages.
// All calls are made from the transport's connection goroutine, one at a
// time and in arrival order.
type Handler interface {
	HandleConnected()
	HandleMessage(msg models.Message)
	HandleDisconnected(err error)
}

// Transport keeps one WebSocket connection to the signaling server open,
// reconnecting after a fixed delay until Close is called.
type Transport struct {
	cfg     TransportConfig
	handler Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	state  SignalingState
	missed int

	writeMu sync.Mutex

	startOnce sync.Once
	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

func NewTransport(cfg TransportConfig, handler Handler, logger zerolog.Logger) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "transport").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   SignalingDisconnected,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect starts the connection loop and waits until the first connection
// is established or ctx is done. The loop keeps retrying in the background
// after ctx expires; only Close stops it.
func (t *Transport) Connect(ctx context.Context) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	t.startOnce.Do(func() { go t.run() })

	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg if the connection is open and reports whether it was
// written. It never blocks on reconnection.
func (t *Transport) Send(msg models.Message) bool {
	data, err := models.Encode(msg)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to marshal message")
		return false
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Debug().Str("type", string(msg.MessageType())).Msg("signaling not connected, message dropped")
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Debug().Err(err).Str("type", string(msg.MessageType())).Msg("failed to write message")
		return false
	}
	return true
}

func (t *Transport) Connected() bool {
	return t.State() == SignalingConnected
}

func (t *Transport) State() SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close stops reconnecting and closes the current connection. It is safe to
// call more than once.
func (t *Transport) Close() error {
	t.cancel()
	// Closes done when the loop was never started.
	t.startOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	conn := t.conn
	t.state = SignalingClosed
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(transportWriteWait))
	return conn.Close()
}

func (t *Transport) run() {
	defer close(t.done)

	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, err := t.dial()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Dur("retry_in", t.cfg.ReconnectDelay).Msg("signaling connection failed")
		} else {
			t.serve(conn)
		}

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	t.setState(SignalingConnecting)

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, resp, err := t.cfg.Dialer.DialContext(t.ctx, t.cfg.URL, header)
	if err != nil {
		t.setState(SignalingDisconnected)
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

// serve runs one connection until it breaks.
func (t *Transport) serve(conn *websocket.Conn) {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.state = SignalingConnected
	t.missed = 0
	t.mu.Unlock()

	t.logger.Info().Str("url", t.cfg.URL).Msg("signaling connected")
	t.readyOnce.Do(func() { close(t.ready) })
	t.handler.HandleConnected()

	stop := make(chan struct{})
	timedOut := make(chan struct{})
	go t.heartbeat(conn, stop, timedOut)

	err := t.readLoop(conn)
	close(stop)

	select {
	case <-timedOut:
		err = errHeartbeatTimeout
	default:
	}

	t.mu.Lock()
	t.conn = nil
	if t.ctx.Err() != nil {
		t.state = SignalingClosed
	} else {
		t.state = SignalingDisconnected
	}
	t.mu.Unlock()
	conn.Close()

	t.logger.Info().Err(err).Msg("signaling disconnected")
	t.handler.HandleDisconnected(err)
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(transportMaxMessage)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := models.Decode(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("malformed signaling message")
			continue
		}

		if _, ok := msg.(*models.HeartbeatAck); ok {
			t.mu.Lock()
			t.missed = 0
			t.mu.Unlock()
		}

		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Str("type", string(msg.MessageType())).
				Err(fmt.Errorf("%v", r)).
				Msg("signaling message handler panicked")
		}
	}()
	t.handler.HandleMessage(msg)
}

// heartbeat sends a heartbeat every interval and closes conn once
// MaxMissedHeartbeats of them have gone unacknowledged.
func (t *Transport) heartbeat(conn *websocket.Conn, stop <-chan struct{}, timedOut chan<- struct{}) {
	if t.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		missed := t.missed
		if t.cfg.MaxMissedHeartbeats > 0 && missed >= t.cfg.MaxMissedHeartbeats {
			t.mu.Unlock()
			t.logger.Warn().Int("missed", missed).Msg("signaling server stopped acknowledging heartbeats")
			close(timedOut)
			conn.Close()
			return
		}
		t.missed++
		t.mu.Unlock()

		t.Send(&models.Heartbeat{Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	}
}

func (t *Transport) setState(state SignalingState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != SignalingClosed {
		t.state = state
	}
}
