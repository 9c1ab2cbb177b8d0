package kvstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/brook/internal/tree"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) (*Engine, *ExpirationScheduler) {
	t.Helper()
	dir := t.TempDir()
	store, err := tree.Open(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := NewExpirationScheduler(nil, zerolog.Nop())
	engine := New(store, sched, "testdb")
	sched.opener = engine

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	return engine, sched
}

func TestSetGetDelete(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.Set("default", "k1", SetOptions{Value: BytesValue([]byte("v1"))})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if out.Status != Inserted {
		t.Fatalf("Set status = %v, want Inserted", out.Status)
	}

	out, err = e.Get("default", "k1", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !out.Found || string(out.Value.Bytes) != "v1" {
		t.Fatalf("Get value = %q (found=%v), want %q", out.Value.Bytes, out.Found, "v1")
	}

	out, err = e.Set("default", "k1", SetOptions{Value: BytesValue([]byte("v2"))})
	if err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if out.Status != Updated {
		t.Fatalf("Set overwrite status = %v, want Updated", out.Status)
	}

	out, err = e.Delete("default", "k1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if out.Status != Deleted {
		t.Fatalf("Delete status = %v, want Deleted", out.Status)
	}

	out, err = e.Get("default", "k1", false)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if out.Found {
		t.Fatalf("expected absent value after delete, got %q", out.Value.Bytes)
	}
}

func TestSetCheckPreconditions(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.Set("default", "k", SetOptions{Value: BytesValue([]byte("a")), Check: OnlyIfPresent})
	if err != nil {
		t.Fatalf("Set OnlyIfPresent on absent: %v", err)
	}
	if out.Status != NotChanged {
		t.Fatalf("Set OnlyIfPresent on absent = %v, want NotChanged", out.Status)
	}

	if _, err := e.Set("default", "k", SetOptions{Value: BytesValue([]byte("a")), Check: OnlyIfVacant}); err != nil {
		t.Fatalf("Set OnlyIfVacant: %v", err)
	}

	out, err = e.Set("default", "k", SetOptions{Value: BytesValue([]byte("b")), Check: OnlyIfVacant})
	if err != nil {
		t.Fatalf("Set OnlyIfVacant on present: %v", err)
	}
	if out.Status != NotChanged {
		t.Fatalf("Set OnlyIfVacant on present = %v, want NotChanged", out.Status)
	}
}

func TestSetReturnPreviousValue(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.Set("default", "k", SetOptions{Value: BytesValue([]byte("a")), ReturnPreviousValue: true})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if out.HasStatus {
		t.Fatal("ReturnPreviousValue output should not carry a status")
	}
	if out.Found {
		t.Fatalf("first set previous value = %q, want absent", out.Value.Bytes)
	}

	out, err = e.Set("default", "k", SetOptions{Value: BytesValue([]byte("b")), ReturnPreviousValue: true})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !out.Found || string(out.Value.Bytes) != "a" {
		t.Fatalf("second set previous value = %q (found=%v), want %q", out.Value.Bytes, out.Found, "a")
	}
}

func TestIncrementDecrementWrapping(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.Increment("default", "counter", NumUint64(5), false)
	if err != nil {
		t.Fatalf("Increment from absent: %v", err)
	}
	if out.Value.Numeric.U64 != 5 {
		t.Fatalf("Increment from absent = %d, want 5", out.Value.Numeric.U64)
	}

	out, err = e.Decrement("default", "counter", NumUint64(3), false)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if out.Value.Numeric.U64 != 2 {
		t.Fatalf("Decrement = %d, want 2", out.Value.Numeric.U64)
	}

	// Non-saturating underflow wraps.
	out, err = e.Decrement("default", "counter", NumUint64(10), false)
	if err != nil {
		t.Fatalf("Decrement underflow: %v", err)
	}
	want := ^uint64(0) - 7 // 2 - 10, wrapped modulo 2^64
	if out.Value.Numeric.U64 != want {
		t.Fatalf("wrapping decrement = %d, want %d", out.Value.Numeric.U64, want)
	}
}

func TestIncrementSaturating(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Increment("default", "counter", NumUint64(5), true); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	out, err := e.Decrement("default", "counter", NumUint64(10), true)
	if err != nil {
		t.Fatalf("Decrement saturating: %v", err)
	}
	if out.Value.Numeric.U64 != 0 {
		t.Fatalf("saturating decrement = %d, want 0", out.Value.Numeric.U64)
	}
}

func TestIncrementNonNumericFails(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Set("default", "k", SetOptions{Value: BytesValue([]byte("not a number"))}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := e.Increment("default", "k", NumUint64(1), false); err == nil {
		t.Fatal("expected error incrementing a non-numeric value")
	}
}

func TestIncrementConcurrentRace(t *testing.T) {
	e, _ := newTestEngine(t)

	const workers = 20
	const perWorker = 25

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := e.Increment("default", "race", NumUint64(1), false); err != nil {
					t.Errorf("Increment: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	out, err := e.Get("default", "race", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := uint64(workers * perWorker)
	if out.Value.Numeric.U64 != want {
		t.Fatalf("race result = %d, want %d", out.Value.Numeric.U64, want)
	}
}

func TestExpirationRemovesKey(t *testing.T) {
	e, _ := newTestEngine(t)

	expiry := time.Now().Add(30 * time.Millisecond)
	if _, err := e.Set("default", "ttl", SetOptions{Value: BytesValue([]byte("v")), Expiration: &expiry}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	out, err := e.Get("default", "ttl", false)
	if err != nil {
		t.Fatalf("Get immediately: %v", err)
	}
	if !out.Found {
		t.Fatal("expected value to be present before expiration")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out, err = e.Get("default", "ttl", false)
		if err != nil {
			t.Fatalf("Get polling: %v", err)
		}
		if !out.Found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("key was not expired within deadline")
}

// TestGetDistinguishesAbsentFromZeroValue verifies Found, not zero-ness
// of Value, is what distinguishes an absent key from one storing an
// empty byte string.
func TestGetDistinguishesAbsentFromZeroValue(t *testing.T) {
	e, _ := newTestEngine(t)

	out, err := e.Get("default", "missing", false)
	if err != nil {
		t.Fatalf("Get on missing key: %v", err)
	}
	if out.Found {
		t.Fatal("expected Found = false for a key that was never set")
	}

	if _, err := e.Set("default", "empty", SetOptions{Value: BytesValue([]byte{})}); err != nil {
		t.Fatalf("Set empty value: %v", err)
	}

	out, err = e.Get("default", "empty", false)
	if err != nil {
		t.Fatalf("Get on empty-valued key: %v", err)
	}
	if !out.Found {
		t.Fatal("expected Found = true for a key storing an empty value")
	}
}
