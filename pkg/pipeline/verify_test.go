package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skylift/skylift/pkg/events"
)

func newTestVerifier(t *testing.T, maxAttempts int) (*Verifier, *events.Store) {
	t.Helper()
	store := events.NewStore(t.TempDir())
	v := NewVerifier(store, nil, VerifyOptions{
		MaxAttempts:    maxAttempts,
		RetryDelay:     time.Millisecond,
		RequestTimeout: time.Second,
	})
	return v, store
}

func verifyEventTypes(t *testing.T, store *events.Store, id string) []events.Type {
	t.Helper()
	records, err := store.Read(id)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	types := make([]events.Type, 0, len(records))
	for _, rec := range records {
		types = append(types, rec.Type)
	}
	return types
}

func TestVerifySmokeChecksPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Write([]byte("ready"))
			return
		}
		w.Write([]byte("welcome"))
	}))
	defer srv.Close()

	v, store := newTestVerifier(t, 3)
	err := v.Verify(context.Background(), "d-20260829-120000-ab3f", srv.URL, []SmokeCheck{
		{Path: "/health", Expect: 200, Contains: "ready"},
		{Path: "/", Expect: 200},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	types := verifyEventTypes(t, store, "d-20260829-120000-ab3f")
	want := map[events.Type]bool{
		events.TypeSmokeAttempt: false,
		events.TypeSmokeOK:      false,
		events.TypeVerifyOK:     false,
	}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestVerifyRetriesUntilReady(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	v, _ := newTestVerifier(t, 5)
	err := v.Verify(context.Background(), "d-20260829-120000-ab3f", srv.URL, []SmokeCheck{
		{Path: "/", Expect: 200},
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", calls.Load())
	}
}

func TestVerifyFailsAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v, store := newTestVerifier(t, 2)
	err := v.Verify(context.Background(), "d-20260829-120000-ab3f", srv.URL, []SmokeCheck{
		{Path: "/health", Expect: 200},
	})
	if err == nil {
		t.Fatal("expected verification error")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != "verify" {
		t.Errorf("expected verify stage, got %s", stageErr.Stage)
	}

	types := verifyEventTypes(t, store, "d-20260829-120000-ab3f")
	found := false
	for _, typ := range types {
		if typ == events.TypeSmokeFail {
			found = true
		}
	}
	if !found {
		t.Error("missing SMOKE_FAIL event")
	}
}

func TestVerifyHealthProbeFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	v, store := newTestVerifier(t, 3)
	if err := v.Verify(context.Background(), "d-20260829-120000-ab3f", srv.URL, nil); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	types := verifyEventTypes(t, store, "d-20260829-120000-ab3f")
	if len(types) != 1 || types[0] != events.TypeVerifyOK {
		t.Errorf("expected a single VERIFY_OK event, got %v", types)
	}
}

func TestVerifyHonorsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, _ := newTestVerifier(t, 10)
	err := v.Verify(ctx, "d-20260829-120000-ab3f", srv.URL, []SmokeCheck{{Path: "/"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
