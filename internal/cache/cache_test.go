package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "plans.db"), filepath.Join(tmp, "plans.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetAndExpiry(t *testing.T) {
	store := openTestStore(t)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	if err := store.Put("plan:1", "0xABC", []byte(`{"v":1}`), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok, err := store.Get("plan:1")
	if err != nil || !ok || string(got) != `{"v":1}` {
		t.Fatalf("expected fresh hit, got %q %v %v", got, ok, err)
	}

	now = now.Add(61 * time.Second)
	if _, ok, err := store.Get("plan:1"); err != nil || ok {
		t.Fatalf("expected expired miss, got %v %v", ok, err)
	}
	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, ok, err := store.Get("plan:missing"); err != nil || ok {
		t.Fatalf("expected miss, got %v %v", ok, err)
	}
}

func TestPutWithoutTTLIsNoop(t *testing.T) {
	store := openTestStore(t)
	if err := store.Put("plan:2", "0xabc", []byte("x"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok, _ := store.Get("plan:2"); ok {
		t.Fatal("expected nothing stored")
	}
}

func TestInvalidateAccount(t *testing.T) {
	store := openTestStore(t)
	_ = store.Put("plan:a", "0xAAA", []byte("a"), time.Hour)
	_ = store.Put("plan:b", "0xbbb", []byte("b"), time.Hour)

	if err := store.InvalidateAccount("0xaaa"); err != nil {
		t.Fatalf("InvalidateAccount failed: %v", err)
	}
	if _, ok, _ := store.Get("plan:a"); ok {
		t.Fatal("expected plan for 0xaaa dropped")
	}
	if _, ok, _ := store.Get("plan:b"); !ok {
		t.Fatal("expected other account's plan kept")
	}
}

func TestConcurrentOpenAndPut(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "plans.db")
	lockPath := filepath.Join(tmp, "plans.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()
			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("plan:%d:%d", workerID, i)
				if err := store.Put(key, "0xabc", []byte(`{}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d put %d: %w", workerID, i, err)
					return
				}
				if _, ok, err := store.Get(key); err != nil || !ok {
					errCh <- fmt.Errorf("worker %d get %d: hit=%v err=%v", workerID, i, ok, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
