package neighborhood_test

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"testing"
	"time"

	"github.com/dantte-lp/profilesrv/internal/actionproc"
	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/neighborhood"
	"github.com/dantte-lp/profilesrv/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func idFor(seed byte) []byte {
	sum := sha256.Sum256([]byte{seed})
	return sum[:]
}

func newHarness(t *testing.T, maxNeighborhood int) (*neighborhood.Reconciler, *storage.MemoryStore, *actionproc.ChannelSignal) {
	t.Helper()
	locks := coordination.NewLockRegistry()
	store := storage.NewMemoryStore(locks)
	sig := actionproc.NewChannelSignal()

	r := neighborhood.New(func() storage.UnitOfWork {
		return store.NewUnitOfWork()
	}, maxNeighborhood, neighborhood.IDLength, sig, discardLogger())
	return r, store, sig
}

func validLocation() neighborhood.Location {
	return neighborhood.Location{LatitudeMicrodegrees: 1_000_000, LongitudeMicrodegrees: 2_000_000}
}

func signaled(sig *actionproc.ChannelSignal) bool {
	select {
	case <-sig.C():
		return true
	default:
		return false
	}
}

// S1 — Empty initial set.
func TestApplyInitialSet_Empty(t *testing.T) {
	t.Parallel()
	r, store, sig := newHarness(t, 10)

	if err := r.ApplyInitialSet(context.Background(), nil); err != nil {
		t.Fatalf("ApplyInitialSet: %v", err)
	}
	if got := store.Snapshot(); len(got) != 0 {
		t.Fatalf("expected no neighbors, got %d", len(got))
	}
	if signaled(sig) {
		t.Fatal("processor should not be signaled for an empty initial set")
	}
}

// S2 — Initial set of 3 below capacity.
func TestApplyInitialSet_BelowCapacity(t *testing.T) {
	t.Parallel()
	r, store, sig := newHarness(t, 10)

	nodes := []neighborhood.NodeInfo{
		{ServerID: idFor(1), IP: "1.1.1.1", Port: 1000, Location: validLocation()},
		{ServerID: idFor(2), IP: "1.1.1.2", Port: 1000, Location: validLocation()},
		{ServerID: idFor(3), IP: "1.1.1.3", Port: 1000, Location: validLocation()},
	}
	if err := r.ApplyInitialSet(context.Background(), nodes); err != nil {
		t.Fatalf("ApplyInitialSet: %v", err)
	}

	got := store.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 neighbors, got %d", len(got))
	}
	if !signaled(sig) {
		t.Fatal("processor should be signaled once after inserts")
	}
}

// S3 — Capacity reached mid-batch.
func TestApplyInitialSet_CapacityReachedMidBatch(t *testing.T) {
	t.Parallel()
	r, store, _ := newHarness(t, 2)

	nodes := []neighborhood.NodeInfo{
		{ServerID: idFor(1), IP: "1.1.1.1", Port: 1000, Location: validLocation()},
		{ServerID: idFor(2), IP: "1.1.1.2", Port: 1000, Location: validLocation()},
		{ServerID: idFor(3), IP: "1.1.1.3", Port: 1000, Location: validLocation()},
	}
	if err := r.ApplyInitialSet(context.Background(), nodes); err != nil {
		t.Fatalf("ApplyInitialSet: %v", err)
	}

	got := store.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 neighbors admitted, got %d", len(got))
	}
}

// S4 — Update changes primary port, clearing sr_neighbor_port.
func TestApplyChangeBatch_UpdatePrimaryPortClearsSRPort(t *testing.T) {
	t.Parallel()
	r, store, _ := newHarness(t, 10)

	id := idFor(1)
	if err := r.ApplyInitialSet(context.Background(), []neighborhood.NodeInfo{
		{ServerID: id, IP: "1.1.1.1", Port: 1000, Location: validLocation()},
	}); err != nil {
		t.Fatalf("seed ApplyInitialSet: %v", err)
	}

	// Simulate the external handshake having populated sr_neighbor_port.
	seeded := store.Snapshot()[0]
	seeded.SRNeighborPort = 2000
	uow := store.NewUnitOfWork()
	if err := uow.BeginTransactionWithLock(context.Background(), []coordination.LockName{coordination.NeighborLock, coordination.NeighborhoodActionLock}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := uow.Neighbors().Update(context.Background(), seeded); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
		{Kind: neighborhood.ChangeUpdated, Node: neighborhood.NodeInfo{
			ServerID: id, IP: "1.1.1.1", Port: 1001, Location: validLocation(),
		}},
	})
	if err != nil {
		t.Fatalf("ApplyChangeBatch: %v", err)
	}

	got := store.Snapshot()[0]
	if got.PrimaryPort != 1001 {
		t.Fatalf("expected primary_port=1001, got %d", got.PrimaryPort)
	}
	if got.SRNeighborPort.IsSet() {
		t.Fatalf("expected sr_neighbor_port cleared, got %d", got.SRNeighborPort)
	}
	if !got.RefreshInitialized() {
		t.Fatal("expected last_refresh_time to be set")
	}
}

// S5 — Remove of unknown ID commits with no action and no error.
func TestApplyChangeBatch_RemoveUnknownIsNoop(t *testing.T) {
	t.Parallel()
	r, store, sig := newHarness(t, 10)

	err := r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
		{Kind: neighborhood.ChangeRemoved, RemovedServerID: idFor(99)},
	})
	if err != nil {
		t.Fatalf("ApplyChangeBatch: %v", err)
	}
	if len(store.Snapshot()) != 0 {
		t.Fatalf("expected no neighbors created by a remove")
	}
	if signaled(sig) {
		t.Fatal("processor should not be signaled by a no-op remove")
	}
}

// Property 6: Added then Removed leaves the Neighbor row present.
func TestApplyChangeBatch_AddThenRemoveKeepsRow(t *testing.T) {
	t.Parallel()
	r, store, _ := newHarness(t, 10)
	id := idFor(1)

	err := r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
		{Kind: neighborhood.ChangeAdded, Node: neighborhood.NodeInfo{ServerID: id, IP: "1.1.1.1", Port: 1000, Location: validLocation()}},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	err = r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
		{Kind: neighborhood.ChangeRemoved, RemovedServerID: id},
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	got := store.Snapshot()
	if len(got) != 1 {
		t.Fatalf("expected the neighbor row to remain present, got %d rows", len(got))
	}
}

// Property 7: bad server_id length is always rejected with no state change.
func TestAddOrChangeNeighbor_RejectsBadIDLength(t *testing.T) {
	t.Parallel()
	r, store, _ := newHarness(t, 10)

	err := r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
		{Kind: neighborhood.ChangeAdded, Node: neighborhood.NodeInfo{ServerID: []byte{1, 2, 3}, IP: "1.1.1.1", Port: 1000, Location: validLocation()}},
	})
	if err != nil {
		t.Fatalf("ApplyChangeBatch should not itself fail: %v", err)
	}
	if len(store.Snapshot()) != 0 {
		t.Fatal("expected no state change for a malformed server_id")
	}
}

// Property 8: port boundary behavior.
func TestAddOrChangeNeighbor_PortBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		port    int
		accept  bool
	}{
		{"zero", 0, false},
		{"too-large", 65536, false},
		{"min", 1, true},
		{"max", 65535, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, store, _ := newHarness(t, 10)
			id := idFor(1)
			err := r.ApplyChangeBatch(context.Background(), []neighborhood.Change{
				{Kind: neighborhood.ChangeAdded, Node: neighborhood.NodeInfo{ServerID: id, IP: "1.1.1.1", Port: tc.port, Location: validLocation()}},
			})
			if err != nil {
				t.Fatalf("ApplyChangeBatch: %v", err)
			}
			got := len(store.Snapshot()) == 1
			if got != tc.accept {
				t.Fatalf("port %d: accept=%v, want %v", tc.port, got, tc.accept)
			}
		})
	}
}

// Invariant 3: AddNeighbor action timing.
func TestApplyInitialSet_ActionTimingInvariant(t *testing.T) {
	t.Parallel()

	locks := coordination.NewLockRegistry()
	store := storage.NewMemoryStore(locks)
	sig := actionproc.NewChannelSignal()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := neighborhood.New(func() storage.UnitOfWork {
		return store.NewUnitOfWork()
	}, 10, neighborhood.IDLength, sig, discardLogger()).WithClock(func() time.Time { return fixedNow })

	nodes := []neighborhood.NodeInfo{
		{ServerID: idFor(1), IP: "1.1.1.1", Port: 1000, Location: validLocation()},
	}
	if err := r.ApplyInitialSet(context.Background(), nodes); err != nil {
		t.Fatalf("ApplyInitialSet: %v", err)
	}

	// We cannot read the Action rows back directly (the core's repository
	// surface is write-only for actions), so this test only asserts the
	// observable side effects: a pending signal and a committed neighbor
	// row, establishing the action was enqueued. The execute_after bound
	// itself is not checked.
	if !signaled(sig) {
		t.Fatal("expected a signal from the enqueued AddNeighbor action")
	}
	if got := store.Snapshot(); len(got) != 1 {
		t.Fatalf("expected 1 committed neighbor, got %d", len(got))
	}
}

func TestApplyChangeBatch_Idempotence(t *testing.T) {
	t.Parallel()
	r, store, _ := newHarness(t, 10)

	changes := []neighborhood.Change{
		{Kind: neighborhood.ChangeAdded, Node: neighborhood.NodeInfo{ServerID: idFor(1), IP: "1.1.1.1", Port: 1000, Location: validLocation()}},
	}
	if err := r.ApplyChangeBatch(context.Background(), changes); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first := store.Snapshot()

	if err := r.ApplyChangeBatch(context.Background(), changes); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second := store.Snapshot()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected exactly one neighbor after either application, got %d then %d", len(first), len(second))
	}
	if first[0].NeighborID != second[0].NeighborID {
		t.Fatal("re-applying the same batch changed the neighbor identity")
	}
}
