package ingest

import (
	"context"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
	"github.com/matheus3301/snippetd/internal/cache"
	"go.uber.org/zap"
)

// Engine consumes inbound message events from the bus, records every message
// in the local cache in arrival order, and feeds peer messages through the
// pipeline.
type Engine struct {
	pipeline *Pipeline
	cache    *cache.Cache
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(pipeline *Pipeline, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		pipeline: pipeline,
		cache:    c,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to inbound message events on the bus. Events are handled
// sequentially so cache append order matches event order.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("wa.message", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	msg, ok := evt.Payload.(*cache.Message)
	if !ok {
		return
	}

	e.cache.Append(msg)

	outcome := e.pipeline.Process(ctx, msg)
	if outcome == Emitted {
		e.bus.Publish(bus.Event{
			Kind:      "ingest.snippet_saved",
			Timestamp: time.Now(),
			Payload:   msg.ID,
		})
	}
}
