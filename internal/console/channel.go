package console

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/auth"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/server/process"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// sendBufferSize must absorb the history replay (at most
	// config.MaxHistoryLines lines plus one status) and bursts of output.
	sendBufferSize = 1024
)

// Supervisor is the part of process.Supervisor a console needs.
type Supervisor interface {
	SubscribeWithHistory(l process.Listener) *process.Subscription
	Write(data []byte) error
}

// Channel is one authenticated console connection.
type Channel struct {
	ID       string
	conn     *websocket.Conn
	identity auth.Identity
	sup      Supervisor
	gate     *CommandGate
	auditor  audit.Recorder
	logger   *logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(id string, conn *websocket.Conn, identity auth.Identity, sup Supervisor, gate *CommandGate, auditor audit.Recorder, log *logger.Logger) *Channel {
	return &Channel{
		ID:       id,
		conn:     conn,
		identity: identity,
		sup:      sup,
		gate:     gate,
		auditor:  auditor,
		logger:   log.WithFields(zap.String("client_id", id), zap.String("actor", identity.Name)),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Run subscribes to the supervisor and pumps until the connection ends. The
// subscription is released on every exit path.
func (c *Channel) Run(ctx context.Context) {
	sub := c.sup.SubscribeWithHistory(c.deliver)
	defer sub.Unsubscribe()

	go c.writePump()
	c.readPump(ctx)
	c.Close(websocket.CloseNormalClosure, "")
}

// Close sends a close frame with code and tears the connection down. Safe to
// call from any goroutine, more than once.
func (c *Channel) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// deliver runs on the supervisor's emitting goroutine and must not block. A
// client that cannot keep up is disconnected rather than skipped, so clients
// never see a gap in the stream.
func (c *Channel) deliver(ev process.Event) {
	select {
	case <-c.done:
		return
	default:
	}

	data, err := encodeEvent(ev)
	if err != nil {
		c.logger.Error("Failed to marshal console event", zap.Error(err))
		return
	}
	if data == nil {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, disconnecting")
		go c.Close(websocket.ClosePolicyViolation, "client too slow")
	}
}

func (c *Channel) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx = context.WithValue(ctx, logger.ActorKey, c.identity.Name)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		cmd, ok := decodeCommand(message)
		if !ok {
			continue
		}
		c.handleCommand(ctx, cmd)
	}
}

func (c *Channel) handleCommand(ctx context.Context, cmd string) {
	if !c.gate.Admit() {
		c.logger.Debug("Command dropped by rate limit", zap.String("command", cmd))
		return
	}
	if err := c.sup.Write([]byte(cmd + "\n")); err != nil {
		c.logger.Warn("Failed to write command", zap.String("command", cmd), zap.Error(err))
		return
	}
	if c.auditor == nil {
		return
	}
	if err := c.auditor.Record(ctx, c.identity.Name, audit.ActionConsoleCommand, cmd); err != nil {
		c.logger.WithContext(ctx).Warn("Failed to record audit entry", zap.Error(err))
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				go c.Close(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.Close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}
