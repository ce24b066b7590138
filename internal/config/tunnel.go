package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// tunnelMessage is the wire shape pushed by the cloud config tunnel:
// a full replacement Config whenever the operator changes it remotely.
type tunnelMessage struct {
	Type      string `json:"type"`
	Config    Config `json:"config,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Tunnel maintains a WebSocket connection to a cloud-hosted
// configuration service and pushes received configs onto a
// ViperSource, so a fleet operator can roll out rate-limit or sync
// strategy changes without touching the gateway's local file.
type Tunnel struct {
	url    string
	source *ViperSource
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	stopCh    chan struct{}
	reconnect int
}

func NewTunnel(url string, source *ViperSource, logger *zap.Logger) *Tunnel {
	return &Tunnel{url: url, source: source, logger: logger, stopCh: make(chan struct{})}
}

func (t *Tunnel) Start() error {
	if t.url == "" {
		t.logger.Info("config tunnel disabled, no URL configured")
		return nil
	}
	return t.connect()
}

func (t *Tunnel) Stop() {
	close(t.stopCh)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.conn.Close()
		t.conn = nil
	}
}

func (t *Tunnel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(t.url, nil)
	if err != nil {
		return fmt.Errorf("config: dial tunnel: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.reconnect = 0
	t.mu.Unlock()

	t.logger.Info("config tunnel connected", zap.String("url", t.url))
	go t.readLoop(conn)
	return nil
}

func (t *Tunnel) readLoop(conn *websocket.Conn) {
	defer t.handleDisconnect(conn)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("config tunnel read error", zap.Error(err))
			return
		}

		var msg tunnelMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.logger.Warn("config tunnel malformed message", zap.Error(err))
			continue
		}
		if msg.Type != "config" {
			continue
		}

		t.source.Push(msg.Config)
	}
}

func (t *Tunnel) handleDisconnect(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()

	select {
	case <-t.stopCh:
		return
	default:
	}

	t.mu.Lock()
	t.reconnect++
	attempt := t.reconnect
	t.mu.Unlock()

	delay := time.Duration(attempt) * 5 * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	t.logger.Info("config tunnel reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		if err := t.connect(); err != nil {
			t.logger.Warn("config tunnel reconnect failed", zap.Error(err))
		}
	})
}
