package neighborhood

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dantte-lp/profilesrv/internal/actionproc"
	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/storage"
)

// Clock abstracts time.Now so tests can pin the current instant without
// sleeping or racing real time.
type Clock func() time.Time

// transactionLocks is the one order the reconciler is ever permitted to
// request.
var transactionLocks = []coordination.LockName{coordination.NeighborLock, coordination.NeighborhoodActionLock}

// UnitOfWorkFactory begins a fresh UnitOfWork for one reconciler call. A
// factory rather than a shared instance lets the reconciler run against
// any UnitOfWork implementation without a type switch; the in-memory
// storage.MemoryStore is the only implementation in this repository.
type UnitOfWorkFactory func() storage.UnitOfWork

// Reconciler is the Neighborhood Reconciler (C4): validates inbound LBN
// node descriptors, upserts Neighbor rows, enqueues NeighborhoodAction work
// items, and enforces the configured capacity, all under the fixed
// two-lock transaction the rest of the profile server also observes.
type Reconciler struct {
	newUnitOfWork   UnitOfWorkFactory
	maxNeighborhood int
	identifierLen   int
	signal          actionproc.Signaler
	log             *slog.Logger
	now             Clock
}

// New creates a Reconciler. maxNeighborhood and identifierLen come from
// configuration; signal is the Action Processor wake-up collaborator.
func New(newUnitOfWork UnitOfWorkFactory, maxNeighborhood, identifierLen int, signal actionproc.Signaler, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		newUnitOfWork:   newUnitOfWork,
		maxNeighborhood: maxNeighborhood,
		identifierLen:   identifierLen,
		signal:          signal,
		log:             log.With(slog.String("component", "neighborhood.reconciler")),
		now:             time.Now,
	}
}

// WithClock overrides the clock used for last_refresh_time, action
// timestamps, and jitter computation. Exposed for tests only.
func (r *Reconciler) WithClock(now Clock) *Reconciler {
	r.now = now
	return r
}

// upsertResult is the {error, save_db, signal_processor, new_size} tuple
// addOrChangeNeighbor returns to its caller.
type upsertResult struct {
	err             error
	saveDB          bool
	signalProcessor bool
	newSize         int
}

// addOrChangeNeighbor implements the AddOrChangeNeighbor primitive:
// ordered validation, then either insert (subject to capacity) or
// update-in-place.
func (r *Reconciler) addOrChangeNeighbor(
	ctx context.Context,
	uow storage.UnitOfWork,
	serverIDRaw []byte,
	ip string,
	port int,
	loc Location,
	currentSize int,
) upsertResult {
	if err := ValidateServerIDLen(serverIDRaw, r.identifierLen); err != nil {
		return upsertResult{err: err, newSize: currentSize}
	}
	if err := ValidatePort(port); err != nil {
		return upsertResult{err: err, newSize: currentSize}
	}
	if !loc.Valid() {
		return upsertResult{err: fmt.Errorf("latitude=%d longitude=%d: %w", loc.LatitudeMicrodegrees, loc.LongitudeMicrodegrees, ErrInvalidLocation), newSize: currentSize}
	}

	var id ID
	copy(id[:], serverIDRaw)

	existing, err := uow.Neighbors().Get(ctx, storage.ByID(id))
	if err != nil {
		return upsertResult{err: fmt.Errorf("looking up neighbor %s: %w", id, err), newSize: currentSize}
	}

	now := r.now()

	if len(existing) == 0 {
		if currentSize >= r.maxNeighborhood {
			r.log.Error("neighborhood at capacity, dropping add",
				slog.String("neighbor_id", id.String()),
				slog.Int("max_neighborhood_size", r.maxNeighborhood))
			return upsertResult{newSize: currentSize}
		}

		n := Neighbor{
			NeighborID:      id,
			IPAddress:       ip,
			PrimaryPort:     Port(port),
			SRNeighborPort:  0,
			Location:        loc,
			LastRefreshTime: time.Time{},
		}
		if err := uow.Neighbors().Insert(ctx, n); err != nil {
			return upsertResult{err: fmt.Errorf("inserting neighbor %s: %w", id, err), newSize: currentSize}
		}

		newSize := currentSize + 1
		jitter := time.Duration(rand.IntN(3*newSize)) * time.Second
		action := Action{
			ServerID:     id,
			Type:         ActionAddNeighbor,
			Timestamp:    now,
			ExecuteAfter: now.Add(jitter),
		}
		if err := uow.Actions().Insert(ctx, action); err != nil {
			return upsertResult{err: fmt.Errorf("enqueueing add action for %s: %w", id, err), newSize: currentSize}
		}

		return upsertResult{saveDB: true, signalProcessor: true, newSize: newSize}
	}

	n := existing[0]
	if n.IPAddress != ip {
		n.IPAddress = ip
	}
	if n.PrimaryPort != Port(port) {
		n.PrimaryPort = Port(port)
		n.SRNeighborPort = 0
	}
	if n.Location != loc {
		n.Location = loc
	}
	n.LastRefreshTime = now

	if err := uow.Neighbors().Update(ctx, n); err != nil {
		return upsertResult{err: fmt.Errorf("updating neighbor %s: %w", id, err), newSize: currentSize}
	}
	return upsertResult{saveDB: true, newSize: currentSize}
}

// NodeInfo is the core's in-process representation of the LBN wire
// NodeInfo: a single node descriptor carrying its
// identity, contact, and location.
type NodeInfo struct {
	ServerID []byte
	IP       string
	Port     int
	Location Location
}

// ApplyInitialSet implements Apply Initial Set: feeds
// the full initial node list from GetNeighbourNodesByDistanceLocal through
// AddOrChangeNeighbor under one two-lock transaction, threading
// current_size across calls, and signals the processor iff any call
// requested it.
func (r *Reconciler) ApplyInitialSet(ctx context.Context, nodes []NodeInfo) error {
	uow := r.newUnitOfWork()
	if err := uow.BeginTransactionWithLock(ctx, transactionLocks); err != nil {
		return fmt.Errorf("beginning initial-set transaction: %w", err)
	}

	currentSize, err := uow.Neighbors().Count(ctx)
	if err != nil {
		_ = uow.Rollback(ctx)
		return fmt.Errorf("counting neighbors: %w", err)
	}

	anySave := false
	anySignal := false
	for _, node := range nodes {
		res := r.addOrChangeNeighbor(ctx, uow, node.ServerID, node.IP, node.Port, node.Location, currentSize)
		currentSize = res.newSize
		if res.err != nil {
			r.log.Error("rejecting initial-set node", slog.Any("error", res.err))
			continue
		}
		anySave = anySave || res.saveDB
		anySignal = anySignal || res.signalProcessor
	}

	if anySave {
		if err := uow.Save(ctx); err != nil {
			_ = uow.Rollback(ctx)
			return fmt.Errorf("saving initial set: %w", err)
		}
	}
	if err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("committing initial set: %w", err)
	}

	if anySignal {
		r.signal.Signal()
	}
	return nil
}

// ChangeKind discriminates the three NeighborhoodChange variants.
type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeUpdated
	ChangeRemoved
)

// Change is one entry of a NeighbourhoodChangedNotification's change list.
// For ChangeAdded/ChangeUpdated, Node is populated; for ChangeRemoved,
// RemovedServerID is populated.
type Change struct {
	Kind            ChangeKind
	Node            NodeInfo
	RemovedServerID []byte
}

// ErrBatchFailed is returned by ApplyChangeBatch when the batch's
// transaction fails as a whole (begin, count, remove lookup or enqueue,
// unknown change kind, save, or commit); the session engine replies
// ErrorInternal and drops the session on this error.
var ErrBatchFailed = fmt.Errorf("neighborhood: change batch failed")

// ApplyChangeBatch implements Apply Change Batch:
// applies an ordered NeighbourhoodChangedNotification change list under one
// two-lock transaction. Added/Updated entries go through
// AddOrChangeNeighbor; Removed entries enqueue a RemoveNeighbor action for
// existing neighbors only, and are a logged no-op otherwise. Per-item
// validation failures are local (logged, batch continues); every other
// failure rolls back where the transaction is still open and returns
// ErrBatchFailed.
func (r *Reconciler) ApplyChangeBatch(ctx context.Context, changes []Change) error {
	uow := r.newUnitOfWork()
	if err := uow.BeginTransactionWithLock(ctx, transactionLocks); err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrBatchFailed, err)
	}

	currentSize, err := uow.Neighbors().Count(ctx)
	if err != nil {
		_ = uow.Rollback(ctx)
		return fmt.Errorf("%w: counting neighbors: %v", ErrBatchFailed, err)
	}

	anySave := false
	anySignal := false

	for _, change := range changes {
		switch change.Kind {
		case ChangeAdded, ChangeUpdated:
			res := r.addOrChangeNeighbor(ctx, uow, change.Node.ServerID, change.Node.IP, change.Node.Port, change.Node.Location, currentSize)
			currentSize = res.newSize
			if res.err != nil {
				r.log.Error("rejecting change-batch node", slog.Any("error", res.err))
				continue
			}
			anySave = anySave || res.saveDB
			anySignal = anySignal || res.signalProcessor

		case ChangeRemoved:
			if err := ValidateServerIDLen(change.RemovedServerID, r.identifierLen); err != nil {
				r.log.Error("rejecting remove with bad server_id length", slog.Any("error", err))
				continue
			}
			var id ID
			copy(id[:], change.RemovedServerID)

			existing, err := uow.Neighbors().Get(ctx, storage.ByID(id))
			if err != nil {
				_ = uow.Rollback(ctx)
				return fmt.Errorf("%w: looking up neighbor %s: %v", ErrBatchFailed, id, err)
			}
			if len(existing) == 0 {
				r.log.Info("remove of unknown neighbor, ignoring", slog.String("neighbor_id", id.String()))
				continue
			}

			action := Action{
				ServerID:     id,
				Type:         ActionRemoveNeighbor,
				Timestamp:    r.now(),
				ExecuteAfter: r.now(),
			}
			if err := uow.Actions().Insert(ctx, action); err != nil {
				_ = uow.Rollback(ctx)
				return fmt.Errorf("%w: enqueueing remove action for %s: %v", ErrBatchFailed, id, err)
			}
			anySave = true
			anySignal = true

		default:
			_ = uow.Rollback(ctx)
			return fmt.Errorf("%w: unknown change kind %d", ErrBatchFailed, change.Kind)
		}
	}

	if anySave {
		if err := uow.Save(ctx); err != nil {
			_ = uow.Rollback(ctx)
			return fmt.Errorf("%w: saving change batch: %v", ErrBatchFailed, err)
		}
	}
	if err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing change batch: %v", ErrBatchFailed, err)
	}

	if anySignal {
		r.signal.Signal()
	}
	return nil
}
