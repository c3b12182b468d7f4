package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/ingest"
	"github.com/matheus3301/snippetd/internal/storage"
	"go.uber.org/zap"
)

type countingStore struct {
	mu        sync.Mutex
	inserts   int
	insertErr error
}

func (s *countingStore) InsertSnippet(_ context.Context, _ *storage.Snippet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts++
	return nil
}

func (s *countingStore) UploadObject(_ context.Context, _, filename string, _ []byte, _ string) (string, error) {
	return filename, nil
}

func (s *countingStore) PublicURL(bucket, path string) string {
	return "https://cdn.example/" + bucket + "/" + path
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

type nopFetcher struct{}

func (nopFetcher) DownloadMedia(_ context.Context, _ *cache.Media) ([]byte, error) {
	return nil, errors.New("no media in replay tests")
}

func (nopFetcher) GroupName(_ context.Context, _ string) (string, error) {
	return "", nil
}

func seededCache(t *testing.T, jid string, peer, own int) *cache.Cache {
	t.Helper()
	c := cache.New(filepath.Join(t.TempDir(), "store.json"))
	for i := 0; i < peer; i++ {
		c.Append(&cache.Message{
			ID:        fmt.Sprintf("peer-%d", i),
			ChatJID:   jid,
			SenderJID: jid,
			Timestamp: time.Now(),
			Text:      fmt.Sprintf("message %d", i),
		})
	}
	for i := 0; i < own; i++ {
		c.Append(&cache.Message{
			ID:      fmt.Sprintf("own-%d", i),
			ChatJID: jid,
			FromMe:  true,
			Text:    "mine",
		})
	}
	return c
}

func TestFetchHistoryProcessesPeerMessages(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	store := &countingStore{}
	c := seededCache(t, jid, 7, 3)
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, 0, zap.NewNop())

	report, err := r.FetchHistory(context.Background(), jid, 0)
	if err != nil {
		t.Fatalf("FetchHistory() error = %v", err)
	}

	// The raw tail includes own messages, processing does not.
	if len(report.Messages) != 10 {
		t.Errorf("report messages = %d, want 10", len(report.Messages))
	}
	if report.Processed != 7 || report.Failed != 0 {
		t.Errorf("report = %d processed / %d failed, want 7/0", report.Processed, report.Failed)
	}
	if store.count() != 7 {
		t.Errorf("store inserts = %d, want 7", store.count())
	}
}

func TestFetchHistoryDelaysBetweenBatches(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	const delay = 50 * time.Millisecond
	store := &countingStore{}
	c := seededCache(t, jid, 12, 0)
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, delay, zap.NewNop())

	begin := time.Now()
	report, err := r.FetchHistory(context.Background(), jid, 0)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(begin)

	// 12 messages at batch size 5 is 3 batches, so 2 inter-batch delays.
	if elapsed < 2*delay {
		t.Errorf("elapsed = %v, want at least %v", elapsed, 2*delay)
	}
	if report.Processed != 12 {
		t.Errorf("processed = %d, want 12", report.Processed)
	}
}

func TestFetchHistoryCountsFailures(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	store := &countingStore{insertErr: errors.New("db down")}
	c := seededCache(t, jid, 4, 0)
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, 0, zap.NewNop())

	report, err := r.FetchHistory(context.Background(), jid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 4 || report.Processed != 0 {
		t.Errorf("report = %d processed / %d failed, want 0/4", report.Processed, report.Failed)
	}
}

func TestFetchHistoryCountsSkipped(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	store := &countingStore{}
	c := seededCache(t, jid, 2, 0)
	// Entries with no usable payload are dropped by the pipeline and must
	// not count as processed.
	for i := 0; i < 3; i++ {
		c.Append(&cache.Message{
			ID:        fmt.Sprintf("blank-%d", i),
			ChatJID:   jid,
			SenderJID: jid,
			Timestamp: time.Now(),
		})
	}
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, 0, zap.NewNop())

	report, err := r.FetchHistory(context.Background(), jid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Processed != 2 || report.Skipped != 3 || report.Failed != 0 {
		t.Errorf("report = %d processed / %d skipped / %d failed, want 2/3/0",
			report.Processed, report.Skipped, report.Failed)
	}
	if store.count() != 2 {
		t.Errorf("store inserts = %d, want 2", store.count())
	}
}

func TestFetchHistoryHonorsLimit(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	store := &countingStore{}
	c := seededCache(t, jid, 10, 0)
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, 0, zap.NewNop())

	report, err := r.FetchHistory(context.Background(), jid, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Messages) != 3 || report.Processed != 3 {
		t.Errorf("report = %d messages / %d processed, want 3/3", len(report.Messages), report.Processed)
	}
}

func TestFetchHistoryCancelled(t *testing.T) {
	const jid = "555@s.whatsapp.net"
	store := &countingStore{}
	c := seededCache(t, jid, 12, 0)
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.FetchHistory(ctx, jid, 0)
		done <- err
	}()

	// Let the first batch run, then abort during the inter-batch wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not abort on cancellation")
	}
}

func TestFetchHistoryEmptyChat(t *testing.T) {
	store := &countingStore{}
	c := cache.New(filepath.Join(t.TempDir(), "store.json"))
	p := ingest.NewPipeline(store, nopFetcher{}, "whatsapp-media", zap.NewNop())
	r := NewReplayer(c, p, 5, 0, zap.NewNop())

	report, err := r.FetchHistory(context.Background(), "nobody@s.whatsapp.net", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Messages) != 0 || report.Processed != 0 || report.Failed != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}
