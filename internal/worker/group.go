package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskrelay/internal/broker"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/phrazzld/taskrelay/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Group runs several independent consumer loops. Each holds its own session,
// so a group of n behaves like n single-consumer processes.
type Group struct {
	consumers []*Consumer
}

// NewGroup creates count consumers sharing b, h and cfg
func NewGroup(count int, b broker.Broker, h task.Handler, cfg Config, sink telemetry.Sink, logger *slog.Logger) *Group {
	if count <= 0 {
		logger.Warn("invalid worker concurrency specified, using default",
			"specified_count", count,
			"default_count", 1)
		count = 1
	}

	g := &Group{consumers: make([]*Consumer, 0, count)}
	for i := 0; i < count; i++ {
		ccfg := cfg
		ccfg.Name = fmt.Sprintf("consumer-%d", i)
		g.consumers = append(g.consumers, New(b, h, ccfg, sink, logger))
	}
	return g
}

// Consumers returns the group's consumers
func (g *Group) Consumers() []*Consumer {
	return g.consumers
}

// Run runs every consumer until ctx is cancelled. If one consumer fails
// permanently the others are stopped and its error returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.consumers {
		c := c
		eg.Go(func() error {
			return c.Run(ctx)
		})
	}
	return eg.Wait()
}

// Ready reports whether every consumer holds a session
func (g *Group) Ready() bool {
	for _, c := range g.consumers {
		switch c.State() {
		case StateWaiting, StateProcessing:
		default:
			return false
		}
	}
	return true
}

// Check is Ready as a health check
func (g *Group) Check(context.Context) error {
	if !g.Ready() {
		return fmt.Errorf("%w: not every consumer holds a session", task.ErrWorkerDisconnected)
	}
	return nil
}
