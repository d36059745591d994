package execution

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return openTestStoreAt(t, filepath.Join(dir, "runs.db"), filepath.Join(dir, "runs.lock"))
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)

	run := NewRun(RunModeConsolidated, common.HexToAddress("0x1234"), "a", selection("a", "collateral"))
	run.Steps = append(run.Steps, Step{ID: "claim-1", Kind: StepKindClaim, Label: "Claim rewards from a collateral pool", Status: StepStatusPending})
	if err := store.Save(run); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RunID != run.RunID || got.Mode != RunModeConsolidated {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Selection) != 1 || got.Selection[0].MarketID != "a" {
		t.Fatalf("selection not persisted: %+v", got.Selection)
	}

	got.Status = RunStatusCompleted
	got.Steps[0].Status = StepStatusCompleted
	if err := store.Save(got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	completed, err := store.List(string(RunStatusCompleted), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(completed) != 1 || completed[0].Steps[0].Status != StepStatusCompleted {
		t.Fatalf("expected one completed run, got %+v", completed)
	}
	running, err := store.List(string(RunStatusRunning), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running runs, got %d", len(running))
	}
}

func TestStoreGetMissingRun(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get("run_missing"); err == nil || !strings.Contains(err.Error(), "run not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStoreRejectsEmptyRunID(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(Run{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func TestStoreConcurrentOpenAndSave(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	lockPath := filepath.Join(dir, "runs.lock")

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := OpenStore(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()
			for i := 0; i < 5; i++ {
				run := NewRun(RunModeSimple, common.HexToAddress("0x1234"), "", selection("a", "collateral"))
				if err := store.Save(run); err != nil {
					errCh <- fmt.Errorf("worker %d save %d: %w", workerID, i, err)
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

	store := openTestStoreAt(t, dbPath, lockPath)
	runs, err := store.List("", 100)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != workers*5 {
		t.Fatalf("expected %d runs, got %d", workers*5, len(runs))
	}
}

func openTestStoreAt(t *testing.T, dbPath, lockPath string) *Store {
	t.Helper()
	store, err := OpenStore(dbPath, lockPath)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
