package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pkgpatrol/pkgpatrol/pkg/updates"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	return store
}

func batch(appliedAt time.Time, pkgs ...string) updates.HistoryEntry {
	entry := updates.HistoryEntry{
		BatchID:   uuid.New().String(),
		AppliedAt: appliedAt,
		Success:   true,
	}
	for _, name := range pkgs {
		entry.Packages = append(entry.Packages, updates.AppliedPackage{
			Package: updates.PackageRef{Name: name, Source: name, Arch: "x86_64"},
			Version: "1.0-1",
		})
	}
	return entry
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestAppendAndList(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	first := batch(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), "openssl", "openssl-libs")
	second := batch(time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC), "bash")

	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("failed to append first batch: %v", err)
	}
	if err := store.Append(ctx, second); err != nil {
		t.Fatalf("failed to append second batch: %v", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(entries))
	}

	// Newest first, and batches stay grouped: no flattening into a
	// single package list.
	if entries[0].BatchID != second.BatchID {
		t.Errorf("expected newest batch first")
	}
	if len(entries[0].Packages) != 1 || len(entries[1].Packages) != 2 {
		t.Errorf("expected batches to keep their own packages, got %d and %d",
			len(entries[0].Packages), len(entries[1].Packages))
	}
	if entries[1].Packages[0].Package.Name != "openssl" {
		t.Errorf("expected packages in applied order, got %+v", entries[1].Packages)
	}
}

func TestListEmptyStore(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("failed to list empty store: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d entries", len(entries))
	}
}

func TestDuplicateBatchRejected(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	entry := batch(time.Now(), "vim")
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("failed to append batch: %v", err)
	}
	if err := store.Append(ctx, entry); err == nil {
		t.Errorf("expected duplicate batch id to be rejected")
	}
}

func TestLatest(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil latest on empty store, got %+v", latest)
	}

	old := batch(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), "sed")
	recent := batch(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), "gawk")
	if err := store.Append(ctx, old); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := store.Append(ctx, recent); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	latest, err = store.Latest(ctx)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest == nil || latest.BatchID != recent.BatchID {
		t.Errorf("expected the most recent batch, got %+v", latest)
	}
}

func TestPruneKeepsNewestBatches(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		entry := batch(base.Add(time.Duration(i)*time.Hour), "pkg")
		ids = append(ids, entry.BatchID)
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("failed to append batch %d: %v", i, err)
		}
	}

	removed, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 batches pruned, got %d", removed)
	}

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list after prune: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 batches after prune, got %d", len(entries))
	}
	if entries[0].BatchID != ids[4] || entries[1].BatchID != ids[3] {
		t.Errorf("expected the two newest batches to survive")
	}
	// Kept batches keep all their packages.
	if len(entries[0].Packages) != 1 {
		t.Errorf("expected kept batch to retain its packages")
	}
}

func TestPruneRejectsNegativeKeep(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	if _, err := store.Prune(context.Background(), -1); err == nil {
		t.Errorf("expected negative keep to be rejected")
	}
}
