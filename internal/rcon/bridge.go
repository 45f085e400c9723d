// Package rcon is the remote console command path, used for whitelist
// management and anything else that should not go through stdin.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorcon/rcon"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/common/tracing"
)

const tracerName = "craftctl-rcon"

// ErrDisabled is returned by Exec when rcon.enabled is false.
var ErrDisabled = errors.New("rcon is disabled")

// session is the subset of *rcon.Conn the bridge uses.
type session interface {
	Execute(command string) (string, error)
	Close() error
}

type dialFunc func(addr, password string) (session, error)

// Bridge holds at most one remote console connection. It is dialed on first
// use, dropped on any failure and re-dialed by the next Exec.
type Bridge struct {
	cfg    config.RCONConfig
	dial   dialFunc
	logger *logger.Logger

	mu   sync.Mutex
	conn session
}

// NewBridge creates a bridge. Nothing is dialed until Exec.
func NewBridge(cfg config.RCONConfig, log *logger.Logger) *Bridge {
	b := &Bridge{cfg: cfg, logger: log.WithComponent("rcon")}
	b.dial = func(addr, password string) (session, error) {
		conn, err := rcon.Dial(addr, password,
			rcon.SetDialTimeout(cfg.TimeoutDuration()),
			rcon.SetDeadline(cfg.TimeoutDuration()),
		)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return b
}

// Enabled reports whether the bridge is configured for use.
func (b *Bridge) Enabled() bool {
	return b.cfg.Enabled
}

// Exec sends one command and returns the server's textual response.
// Connection and authentication failures are returned to the caller.
func (b *Bridge) Exec(ctx context.Context, command string) (resp string, err error) {
	if !b.cfg.Enabled {
		return "", ErrDisabled
	}
	_, span := tracing.StartSpan(ctx, tracerName, "rcon.exec", attribute.String("rcon.command", command))
	defer func() { tracing.EndSpan(span, err) }()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if b.conn == nil {
		conn, err := b.dial(b.cfg.Addr(), b.cfg.Password)
		if err != nil {
			b.logger.Warn("RCON connect failed", zap.String("addr", b.cfg.Addr()), zap.Error(err))
			return "", fmt.Errorf("rcon connect %s: %w", b.cfg.Addr(), err)
		}
		b.logger.Debug("RCON connected", zap.String("addr", b.cfg.Addr()))
		b.conn = conn
	}

	resp, err = b.conn.Execute(command)
	if err != nil {
		_ = b.conn.Close()
		b.conn = nil
		return "", fmt.Errorf("rcon exec: %w", err)
	}
	return resp, nil
}

// Close drops the current connection, if any.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
