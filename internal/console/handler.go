// Package console streams the server console to websocket clients and
// forwards their commands, rate limited per connection.
package console

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/auth"
	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

// CloseUnauthorized is sent when the connect-time token is missing or invalid.
const CloseUnauthorized = 4401

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin allows non-browser clients, localhost and same-host
// origins.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	requestURL := url.URL{Host: host}
	return originURL.Hostname() != "" && originURL.Hostname() == requestURL.Hostname()
}

// Handler upgrades console requests and tracks live channels.
type Handler struct {
	sup     Supervisor
	authn   auth.Authenticator
	auditor audit.Recorder
	cfg     config.ConsoleConfig
	now     func() time.Time
	logger  *logger.Logger

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// NewHandler creates a console handler. auditor may be nil.
func NewHandler(sup Supervisor, authn auth.Authenticator, auditor audit.Recorder, cfg config.ConsoleConfig, log *logger.Logger) *Handler {
	return &Handler{
		sup:      sup,
		authn:    authn,
		auditor:  auditor,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.WithComponent("console"),
		channels: make(map[*Channel]struct{}),
	}
}

// Serve handles GET /api/console?token=...
func (h *Handler) Serve(c *gin.Context) {
	identity, authorized := h.authn.Authenticate(c.Query("token"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	if !authorized {
		h.logger.Warn("console connection rejected", zap.String("remote", c.ClientIP()))
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	gate := NewCommandGate(h.cfg.RateWindow(), h.cfg.RateMax, h.now)
	ch := newChannel(uuid.New().String(), conn, identity, h.sup, gate, h.auditor, h.logger)

	h.track(ch)
	defer h.untrack(ch)

	h.logger.Info("console connected", zap.String("client_id", ch.ID), zap.String("actor", identity.Name))
	ch.Run(context.WithoutCancel(c.Request.Context()))
	h.logger.Info("console disconnected", zap.String("client_id", ch.ID))
}

// CloseAll disconnects every console with a going-away close frame.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	channels := make([]*Channel, 0, len(h.channels))
	for ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ActiveCount returns the number of connected consoles.
func (h *Handler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Handler) track(ch *Channel) {
	h.mu.Lock()
	h.channels[ch] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(ch *Channel) {
	h.mu.Lock()
	delete(h.channels, ch)
	h.mu.Unlock()
}
