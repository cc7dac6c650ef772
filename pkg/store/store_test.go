package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/menta2k/preview-kit/pkg/types"
)

type fakeSaver struct {
	mu      sync.Mutex
	records []types.PreviewRecord
	err     error
	block   chan struct{}
}

func (f *fakeSaver) SavePreview(ctx context.Context, rec types.PreviewRecord) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func record() types.PreviewRecord {
	return types.PreviewRecord{PhotoID: "photo-1", Style: "watercolor", PreviewURL: "https://cdn/p.png", CreatedAt: time.Now()}
}

func TestAsyncPersist(t *testing.T) {
	saver := &fakeSaver{}
	a := NewAsync(saver, time.Second)

	a.Persist(record())
	a.Persist(record())
	a.Wait()

	if len(saver.records) != 2 {
		t.Errorf("Expected 2 saved records, got %d", len(saver.records))
	}
}

func TestAsyncPersistDoesNotBlock(t *testing.T) {
	saver := &fakeSaver{block: make(chan struct{})}
	a := NewAsync(saver, time.Second)

	done := make(chan struct{})
	go func() {
		a.Persist(record())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Persist blocked on the saver")
	}
	close(saver.block)
	a.Wait()
}

func TestAsyncPersistLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := NewAsync(&fakeSaver{err: errors.New("connection refused")}, time.Second)
	a.SetLogger(zap.New(core))

	a.Persist(record())
	a.Wait()

	entries := logs.FilterMessage("failed to persist preview").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["photo_id"] != "photo-1" {
		t.Errorf("Expected photo id in log context, got %v", entries[0].ContextMap())
	}
}

func TestAsyncPersistTimeout(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := NewAsync(&fakeSaver{block: make(chan struct{})}, 10*time.Millisecond)
	a.SetLogger(zap.New(core))

	a.Persist(record())
	a.Wait()

	if logs.FilterMessage("failed to persist preview").Len() != 1 {
		t.Error("Expected the timed out save to be logged")
	}
}

func TestRedisStoreKey(t *testing.T) {
	s := NewRedisStore(RedisOptions{Addr: "127.0.0.1:6379"})
	defer s.Close()

	if got := s.Key("photo-1", "watercolor"); got != "preview:photo-1:watercolor" {
		t.Errorf("Unexpected key %q", got)
	}

	custom := NewRedisStore(RedisOptions{Addr: "127.0.0.1:6379", KeyPrefix: "pk"})
	defer custom.Close()
	if got := custom.Key("a", "b"); got != "pk:a:b" {
		t.Errorf("Unexpected key %q", got)
	}
}

func TestRedisStoreRejectsIncompleteRecords(t *testing.T) {
	s := NewRedisStore(RedisOptions{Addr: "127.0.0.1:6379"})
	defer s.Close()

	if err := s.SavePreview(context.Background(), types.PreviewRecord{Style: "x"}); err == nil {
		t.Error("Expected error for missing photo id")
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	s := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.SavePreview(ctx, record()); err == nil {
		t.Error("Expected error from unreachable server")
	}
}
