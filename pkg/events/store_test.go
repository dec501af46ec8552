package events

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"

	if err := store.Emit(id, TypeInit, map[string]any{"message": "starting"}); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := store.Emit(id, TypeTFInit, nil); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	records, err := store.Read(id)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != TypeInit || records[1].Type != TypeTFInit {
		t.Errorf("records out of order: %v, %v", records[0].Type, records[1].Type)
	}
	if records[0].StringData("message") != "starting" {
		t.Errorf("data not preserved: %v", records[0].Data)
	}
	if records[0].ID == "" || records[0].Timestamp.IsZero() {
		t.Error("record missing id or timestamp")
	}
}

func TestReadMissingLog(t *testing.T) {
	store := newTestStore(t)
	records, err := store.Read("d-20260829-120000-none")
	if err != nil {
		t.Fatalf("missing log should not error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestReadSkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"

	if err := store.Emit(id, TypeInit, nil); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	// Simulate a torn write in the middle of the log.
	f, err := os.OpenFile(store.Path(id), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("failed to corrupt log: %v", err)
	}
	f.Close()

	if err := store.Emit(id, TypeDone, nil); err != nil {
		t.Fatalf("failed to append after corruption: %v", err)
	}

	records, err := store.Read(id)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(records))
	}
	if records[1].Type != TypeDone {
		t.Errorf("expected DONE last, got %s", records[1].Type)
	}
}

func TestConcurrentAppendsProduceWholeLines(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := store.Emit(id, TypeObsLine, map[string]any{"line": "out"}); err != nil {
					t.Errorf("append failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	records, err := store.Read(id)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if len(records) != 200 {
		t.Fatalf("expected 200 records, got %d", len(records))
	}
}

func TestTailReplaysThenFollows(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"

	if err := store.Emit(id, TypeInit, nil); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := store.Tail(ctx, id)
	if err != nil {
		t.Fatalf("failed to tail: %v", err)
	}

	first := <-ch
	if first.Type != TypeInit {
		t.Fatalf("expected replayed INIT, got %s", first.Type)
	}

	if err := store.Emit(id, TypeDone, nil); err != nil {
		t.Fatalf("failed to append live event: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.Type != TypeDone {
			t.Fatalf("expected live DONE, got %s", rec.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
}

func TestTailMissingLogDeliversOnceCreated(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"
	if err := os.MkdirAll(filepath.Join(store.root, id), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := store.Tail(ctx, id)
	if err != nil {
		t.Fatalf("failed to tail: %v", err)
	}

	if err := store.Emit(id, TypeInit, nil); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.Type != TypeInit {
			t.Fatalf("expected INIT, got %s", rec.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event on created log")
	}
}

func TestTailStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	id := "d-20260829-120000-ab3f"

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := store.Tail(ctx, id)
	if err != nil {
		t.Fatalf("failed to tail: %v", err)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("tail channel not closed after cancel")
		}
	}
}
