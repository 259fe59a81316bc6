package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Gateway fans announcements out to the registered platforms.
type Gateway struct {
	announcers map[string]Announcer
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewGateway creates an empty gateway.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		announcers: make(map[string]Announcer),
		logger:     logger,
	}
}

// Register adds an announcer, replacing any for the same platform.
func (g *Gateway) Register(a Announcer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.announcers[a.Platform()] = a
	g.logger.Info("registered announcer", zap.String("platform", a.Platform()))
}

// ConnectAll connects every announcer. Platforms that fail are dropped so the
// rest keep working.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for platform, a := range g.announcers {
		if err := a.Connect(ctx); err != nil {
			g.logger.Warn("announcer connect failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("connect %s: %w", platform, err))
			delete(g.announcers, platform)
			continue
		}
		g.logger.Info("announcer connected", zap.String("platform", platform))
	}
	return errors.Join(errs...)
}

// Broadcast sends a to every platform.
func (g *Gateway) Broadcast(ctx context.Context, a *Announcement) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error
	for platform, an := range g.announcers {
		if err := an.Announce(ctx, a); err != nil {
			g.logger.Error("announce failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", platform, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down all announcers.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error
	for platform, a := range g.announcers {
		if err := a.Close(); err != nil {
			g.logger.Error("announcer close failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Platforms returns the registered platform names, sorted.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.announcers))
	for p := range g.announcers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}
