// Package storage defines the Repository and Unit-of-Work contracts the
// Neighborhood Reconciler (C4) mutates state through, and provides an
// in-memory implementation suitable for tests and single-process
// deployments. The ORM layer itself is explicitly out of scope; this
// package only specifies and exercises the narrow repository surface the
// reconciler needs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/neighborhood"
)

// NeighborPredicate filters Neighbor rows for NeighborRepository.Get.
type NeighborPredicate func(neighborhood.Neighbor) bool

// All matches every Neighbor row.
func All(neighborhood.Neighbor) bool { return true }

// ByID matches a single Neighbor by its identifier.
func ByID(id neighborhood.ID) NeighborPredicate {
	return func(n neighborhood.Neighbor) bool { return n.NeighborID == id }
}

// NeighborRepository is the queryable, mutable-under-transaction view of
// the Neighbor table.
type NeighborRepository interface {
	// Count returns the number of Neighbor rows currently committed plus
	// any new rows inserted earlier in the same transaction.
	Count(ctx context.Context) (int, error)

	// Get returns all Neighbor rows matching pred.
	Get(ctx context.Context, pred NeighborPredicate) ([]neighborhood.Neighbor, error)

	// Insert adds a new Neighbor row. The caller guarantees NeighborID is
	// not already present.
	Insert(ctx context.Context, n neighborhood.Neighbor) error

	// Update overwrites an existing Neighbor row in place by NeighborID.
	Update(ctx context.Context, n neighborhood.Neighbor) error
}

// NeighborhoodActionRepository is the append-only view of the
// NeighborhoodAction queue the core is permitted to write to. The core never deletes or reads these rows back; deletion
// and consumption are the external Action Processor's job.
type NeighborhoodActionRepository interface {
	Insert(ctx context.Context, a neighborhood.Action) error
}

// ErrLockOrder indicates the caller attempted to begin a transaction while
// holding (or requesting) the two named locks out of the fixed canonical
// order: NeighborLock before NeighborhoodActionLock.
var ErrLockOrder = errors.New("locks must be acquired NeighborLock before NeighborhoodActionLock")

// ErrNotInTransaction indicates Save/Commit/Rollback was called without an
// open transaction.
var ErrNotInTransaction = errors.New("no transaction is open")

// UnitOfWork is the transactional wrapper the reconciler drives: begin a transaction holding both named locks (in the fixed
// order), stage repository mutations, then commit or roll back, releasing
// both locks together.
type UnitOfWork interface {
	// BeginTransactionWithLock acquires the given locks, in order, and
	// opens a transaction. locks must be exactly
	// [NeighborLock, NeighborhoodActionLock] for core callers — any other
	// order returns ErrLockOrder without acquiring anything.
	BeginTransactionWithLock(ctx context.Context, locks []coordination.LockName) error

	// Neighbors returns the transaction-scoped NeighborRepository.
	Neighbors() NeighborRepository

	// Actions returns the transaction-scoped NeighborhoodActionRepository.
	Actions() NeighborhoodActionRepository

	// Save flushes staged mutations without ending the transaction.
	Save(ctx context.Context) error

	// Commit flushes staged mutations and ends the transaction, releasing
	// the held locks.
	Commit(ctx context.Context) error

	// Rollback discards staged mutations and ends the transaction,
	// releasing the held locks.
	Rollback(ctx context.Context) error
}

// -------------------------------------------------------------------------
// In-memory implementation
// -------------------------------------------------------------------------

// MemoryStore is an in-memory backing store for NeighborRepository and
// NeighborhoodActionRepository. It is the default for tests and for
// single-process deployments that do not need a separate database.
type MemoryStore struct {
	locks *coordination.LockRegistry

	mu        sync.Mutex // guards the committed maps below from non-locked readers (e.g. metrics scrape)
	neighbors map[neighborhood.ID]neighborhood.Neighbor
	actions   []neighborhood.Action
}

// NewMemoryStore creates an empty in-memory store guarded by locks.
func NewMemoryStore(locks *coordination.LockRegistry) *MemoryStore {
	return &MemoryStore{
		locks:     locks,
		neighbors: make(map[neighborhood.ID]neighborhood.Neighbor),
	}
}

// Snapshot returns a stable, sorted-by-ID copy of all committed Neighbor
// rows, for read paths that do not need transactional consistency (e.g. the
// neighborctl CLI, the metrics gauge).
func (m *MemoryStore) Snapshot() []neighborhood.Neighbor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]neighborhood.Neighbor, 0, len(m.neighbors))
	for _, n := range m.neighbors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].NeighborID[:]) < string(out[j].NeighborID[:])
	})
	return out
}

// NewUnitOfWork begins a new transaction-scoped view over the store.
func (m *MemoryStore) NewUnitOfWork() *MemoryUnitOfWork {
	return &MemoryUnitOfWork{store: m}
}

// MemoryUnitOfWork implements UnitOfWork over a MemoryStore. Mutations are
// staged in memory and only merged into the store's committed state on
// Commit, so Rollback leaves the store untouched.
type MemoryUnitOfWork struct {
	store *MemoryStore

	open         bool
	heldLocks    []coordination.LockName
	stagedUpsert map[neighborhood.ID]neighborhood.Neighbor
	stagedOrder  []neighborhood.ID
	stagedAdds   []neighborhood.Action
}

var _ UnitOfWork = (*MemoryUnitOfWork)(nil)

// BeginTransactionWithLock implements UnitOfWork.
func (u *MemoryUnitOfWork) BeginTransactionWithLock(ctx context.Context, locks []coordination.LockName) error {
	if err := coordination.ValidateLockOrder(locks); err != nil {
		return fmt.Errorf("%w: %w", ErrLockOrder, err)
	}
	if err := u.store.locks.AcquireAll(ctx, locks...); err != nil {
		return err
	}
	u.heldLocks = locks
	u.open = true
	u.stagedUpsert = make(map[neighborhood.ID]neighborhood.Neighbor)
	u.stagedOrder = nil
	u.stagedAdds = nil
	return nil
}

// Neighbors implements UnitOfWork.
func (u *MemoryUnitOfWork) Neighbors() NeighborRepository { return (*memoryNeighborRepo)(u) }

// Actions implements UnitOfWork.
func (u *MemoryUnitOfWork) Actions() NeighborhoodActionRepository { return (*memoryActionRepo)(u) }

// Save implements UnitOfWork. For the in-memory store, staged mutations are
// only materialized at Commit; Save is a no-op validity check.
func (u *MemoryUnitOfWork) Save(_ context.Context) error {
	if !u.open {
		return ErrNotInTransaction
	}
	return nil
}

// Commit implements UnitOfWork: merges staged mutations into the store and
// releases the held locks.
func (u *MemoryUnitOfWork) Commit(_ context.Context) error {
	if !u.open {
		return ErrNotInTransaction
	}
	u.store.mu.Lock()
	for _, id := range u.stagedOrder {
		u.store.neighbors[id] = u.stagedUpsert[id]
	}
	u.store.actions = append(u.store.actions, u.stagedAdds...)
	u.store.mu.Unlock()

	u.store.locks.ReleaseAll(u.heldLocks...)
	u.open = false
	return nil
}

// Rollback implements UnitOfWork: discards staged mutations and releases
// the held locks. The committed store is left unchanged.
func (u *MemoryUnitOfWork) Rollback(_ context.Context) error {
	if !u.open {
		return ErrNotInTransaction
	}
	u.store.locks.ReleaseAll(u.heldLocks...)
	u.open = false
	return nil
}

type memoryNeighborRepo MemoryUnitOfWork

func (r *memoryNeighborRepo) uow() *MemoryUnitOfWork { return (*MemoryUnitOfWork)(r) }

func (r *memoryNeighborRepo) Count(_ context.Context) (int, error) {
	u := r.uow()
	u.store.mu.Lock()
	n := len(u.store.neighbors)
	u.store.mu.Unlock()

	// Staged inserts within this transaction that are not yet committed
	// are counted too, so a Count taken mid-transaction sees the
	// transaction's own prior inserts.
	for _, id := range u.stagedOrder {
		if _, existedBefore := u.store.neighbors[id]; !existedBefore {
			n++
		}
	}
	return n, nil
}

func (r *memoryNeighborRepo) Get(_ context.Context, pred NeighborPredicate) ([]neighborhood.Neighbor, error) {
	u := r.uow()
	seen := make(map[neighborhood.ID]struct{})
	var out []neighborhood.Neighbor

	for _, id := range u.stagedOrder {
		n := u.stagedUpsert[id]
		seen[id] = struct{}{}
		if pred(n) {
			out = append(out, n)
		}
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	for id, n := range u.store.neighbors {
		if _, staged := seen[id]; staged {
			continue
		}
		if pred(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memoryNeighborRepo) Insert(_ context.Context, n neighborhood.Neighbor) error {
	u := r.uow()
	if _, exists := u.stagedUpsert[n.NeighborID]; !exists {
		u.stagedOrder = append(u.stagedOrder, n.NeighborID)
	}
	u.stagedUpsert[n.NeighborID] = n
	return nil
}

func (r *memoryNeighborRepo) Update(_ context.Context, n neighborhood.Neighbor) error {
	return r.Insert(context.Background(), n) //nolint:contextcheck // staged map write needs no external context
}

type memoryActionRepo MemoryUnitOfWork

func (r *memoryActionRepo) Insert(_ context.Context, a neighborhood.Action) error {
	u := (*MemoryUnitOfWork)(r)
	u.stagedAdds = append(u.stagedAdds, a)
	return nil
}
