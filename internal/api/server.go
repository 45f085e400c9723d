// Package api provides the HTTP REST API of the panel.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/auth"
	"github.com/craftctl/craftctl/internal/backup"
	"github.com/craftctl/craftctl/internal/common/httpmw"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/server/process"
)

const serverName = "craftctl-api"

// defaultStopTimeout bounds how long a restore waits for the server to exit
// and how long a background restart may take.
const defaultStopTimeout = 60 * time.Second

// ServerControl is the part of process.Supervisor the routes drive.
type ServerControl interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	Lock() (unlock func(), err error)
	Running() bool
	Status(ctx context.Context) process.Status
	WaitState(ctx context.Context, want process.State) error
}

// Backups is implemented by backup.Coordinator.
type Backups interface {
	List(ctx context.Context) ([]backup.Backup, error)
	Get(ctx context.Context, id string) (backup.Backup, error)
	Create(ctx context.Context, mode backup.Mode) (backup.Backup, error)
	Restore(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Whitelist is implemented by whitelist.Manager.
type Whitelist interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// AuditLog is implemented by audit.Store.
type AuditLog interface {
	audit.Recorder
	List(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Services bundles the components the routes call into. Console and
// Whitelist may be nil, which leaves their routes unregistered.
type Services struct {
	Server    ServerControl
	Backups   Backups
	Whitelist Whitelist
	Audit     AuditLog
	Console   gin.HandlerFunc
	Auth      auth.Authenticator
}

// Option configures a Server.
type Option func(*Server)

// WithStopTimeout bounds waits for the server to exit. Zero keeps the default.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// Server is the panel's HTTP API.
type Server struct {
	svc    Services
	logger *logger.Logger
	router *gin.Engine

	stopTimeout time.Duration

	// background work started by requests, cancelled by Close
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewServer wires the routes for svc.
func NewServer(svc Services, log *logger.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		svc:         svc,
		logger:      log.WithFields(zap.String("component", "api-server")),
		router:      gin.New(),
		stopTimeout: defaultStopTimeout,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(gin.Recovery(), httpmw.RequestID(), httpmw.OtelTracing(serverName), httpmw.RequestLogger(s.logger, serverName))

	s.setupRoutes()
	return s
}

// Close cancels background work started by requests and waits for it.
func (s *Server) Close() {
	s.bgCancel()
	s.bg.Wait()
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// The console authenticates inside the upgrade so it can close with 4401.
	if s.svc.Console != nil {
		s.router.GET("/api/console", s.svc.Console)
	}

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.svc.Auth))
	{
		api.GET("/server/status", s.handleStatus)
		api.POST("/server/power", s.handlePower)

		api.GET("/backups", s.handleListBackups)
		api.POST("/backups", s.handleCreateBackup)
		api.POST("/backups/:id/restore", s.handleRestoreBackup)
		api.DELETE("/backups/:id", s.handleDeleteBackup)

		if s.svc.Whitelist != nil {
			api.GET("/whitelist", s.handleListWhitelist)
			api.POST("/whitelist", s.handleAddWhitelist)
			api.DELETE("/whitelist/:name", s.handleRemoveWhitelist)
		}

		if s.svc.Audit != nil {
			api.GET("/audit", s.handleListAudit)
		}
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string        `json:"status"`
	Server    process.State `json:"server"`
	Timestamp string        `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.svc.Server != nil {
		resp.Server = s.svc.Server.Status(c.Request.Context()).State
	}
	c.JSON(http.StatusOK, resp)
}

// record writes an audit entry for the authenticated caller. Failures are
// logged; the action itself already happened.
func (s *Server) record(c *gin.Context, action, detail string) {
	if s.svc.Audit == nil {
		return
	}
	actor := "unknown"
	if identity, ok := auth.FromContext(c); ok {
		actor = identity.Name
	}
	if err := s.svc.Audit.Record(c.Request.Context(), actor, action, detail); err != nil {
		s.logger.WithContext(c.Request.Context()).Warn("failed to record audit entry",
			zap.String("action", action), zap.Error(err))
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}
