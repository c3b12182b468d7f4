package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/ingest"
	"go.uber.org/zap"
)

// Report summarizes one history replay run. Per-message outcomes are not
// reported beyond the aggregate counters: Processed counts snippets that
// reached storage, Failed counts insert failures, Skipped counts entries the
// pipeline dropped (empty or unsupported payloads).
type Report struct {
	Messages  []*cache.Message `json:"messages"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
}

// Replayer re-walks the local message cache for a conversation and re-feeds
// entries through the ingestion pipeline in rate-limited batches, bounding
// the call rate against the storage collaborator and media retrieval path.
type Replayer struct {
	cache     *cache.Cache
	pipeline  *ingest.Pipeline
	batchSize int
	delay     time.Duration
	logger    *zap.Logger
}

// NewReplayer creates a replayer with the given batch size and inter-batch
// delay.
func NewReplayer(c *cache.Cache, pipeline *ingest.Pipeline, batchSize int, delay time.Duration, logger *zap.Logger) *Replayer {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Replayer{
		cache:     c,
		pipeline:  pipeline,
		batchSize: batchSize,
		delay:     delay,
		logger:    logger,
	}
}

// FetchHistory replays up to limit most recent cached entries for the
// conversation. Self-originated messages are filtered out before batching.
// Messages within a batch are processed independently; one failure never
// blocks siblings.
func (r *Replayer) FetchHistory(ctx context.Context, jid string, limit int) (*Report, error) {
	msgs := r.cache.Tail(jid, limit)
	r.logger.Info("replaying chat history",
		zap.String("chat_jid", jid),
		zap.Int("messages", len(msgs)))

	var peers []*cache.Message
	for _, m := range msgs {
		if m.FromMe {
			continue
		}
		peers = append(peers, m)
	}

	var processed, failed, skipped atomic.Int64
	for start := 0; start < len(peers); start += r.batchSize {
		if start > 0 && r.delay > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		end := min(start+r.batchSize, len(peers))
		var wg sync.WaitGroup
		for _, m := range peers[start:end] {
			wg.Add(1)
			go func(m *cache.Message) {
				defer wg.Done()
				switch r.pipeline.Process(ctx, m) {
				case ingest.Emitted:
					processed.Add(1)
				case ingest.Failed:
					failed.Add(1)
				default:
					skipped.Add(1)
				}
			}(m)
		}
		wg.Wait()
	}

	return &Report{
		Messages:  msgs,
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}, nil
}
