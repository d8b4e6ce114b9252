// Package lbnclient implements the LBN Session Engine (C3): a single
// long-running task holding a reconnecting TCP session to the trusted
// external LBN node, driving the Neighborhood Reconciler (C4) on every
// received notification.
package lbnclient

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/lbnwire"
	"github.com/dantte-lp/profilesrv/internal/neighborhood"
)

// State is the session's position in its connection/registration/sync
// state machine.
type State uint32

const (
	StateDisconnected State = iota
	StateConnected
	StateRegistered
	StateInSync
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateRegistered:
		return "Registered"
	case StateInSync:
		return "InSync"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// reconnectInterval is the fixed retry delay after any exit from InSync.
const reconnectInterval = 10 * time.Second

// deregisterAckTimeout bounds the best-effort wait for a
// DeregisterService acknowledgement on graceful teardown.
const deregisterAckTimeout = 2 * time.Second

// Identity is this profile server's own registration identity.
type Identity struct {
	PublicKey       []byte
	ServerIP        string
	PrimaryRolePort uint16
}

// networkID returns sha256(public_key) as the 32-byte node id.
func (id Identity) networkID() [32]byte {
	return sha256.Sum256(id.PublicKey)
}

func (id Identity) profile() lbnwire.NodeProfile {
	family := lbnwire.ContactIPv4
	if ip := net.ParseIP(id.ServerIP); ip != nil && ip.To4() == nil {
		family = lbnwire.ContactIPv6
	}
	return lbnwire.NodeProfile{
		NodeID: id.networkID(),
		Contact: lbnwire.Contact{
			Family: family,
			Host:   id.ServerIP,
			Port:   id.PrimaryRolePort,
		},
	}
}

// Session is the LBN Session Engine (C3). One Session runs for the
// lifetime of the process.
type Session struct {
	lbnAddr     string
	identity    Identity
	reconciler  *neighborhood.Reconciler
	shutdown    *coordination.Shutdown
	readiness   *coordination.Readiness
	log         *slog.Logger
	dial        func(ctx context.Context, addr string) (net.Conn, error)
	reconnectIv time.Duration

	state atomic.Uint32

	connMu sync.Mutex
	conn   net.Conn
}

// Option configures optional Session parameters via the functional-options
// convention.
type Option func(*Session)

// WithDialer overrides how the session dials the LBN node. Exposed for
// tests that substitute an in-process listener.
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(s *Session) { s.dial = dial }
}

// WithReconnectInterval overrides the fixed 10-second reconnect delay.
// Exposed for tests only.
func WithReconnectInterval(d time.Duration) Option {
	return func(s *Session) { s.reconnectIv = d }
}

// New creates a Session. lbnAddr is the configured LBN endpoint
// (host:port); reconciler, shutdown, and readiness are the C4/C5
// collaborators the session drives.
func New(
	lbnAddr string,
	identity Identity,
	reconciler *neighborhood.Reconciler,
	shutdown *coordination.Shutdown,
	readiness *coordination.Readiness,
	log *slog.Logger,
	opts ...Option,
) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		lbnAddr:     lbnAddr,
		identity:    identity,
		reconciler:  reconciler,
		shutdown:    shutdown,
		readiness:   readiness,
		log:         log.With(slog.String("component", "lbnclient.session")),
		reconnectIv: reconnectInterval,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(uint32(StateDisconnected))
	return s
}

// State returns the current session state for observability (metrics,
// neighborhood CLI). Safe for concurrent use.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
}

// ForceResync closes the current LBN connection, if any, driving the
// session engine back through its reconnect -> register -> initial sync
// cycle. Used by the operator CLI to force a fresh full sync without
// restarting the process.
func (s *Session) ForceResync() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) setConn(c net.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

// Run is the session's single long-running task. It blocks until the shutdown
// broadcast fires, reconnecting every reconnectIv after any exit from
// InSync.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-s.shutdown.Done():
			return nil
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			s.log.Info("session cycle ended, will reconnect", slog.Any("error", err))
		}
		s.setState(StateDisconnected)

		select {
		case <-s.shutdown.Done():
			return nil
		case <-time.After(s.reconnectIv):
		}
	}
}

// runOnce performs one full connect -> register -> sync -> dispatch cycle,
// returning when the session exits InSync for any reason.
func (s *Session) runOnce(ctx context.Context) error {
	conn, err := s.dial(ctx, s.lbnAddr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	_ = lbnwire.ConfigureKeepalive(conn)
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	s.setState(StateConnected)
	transport := lbnwire.NewTransport(conn)
	builder := lbnwire.NewBuilder()

	// dispatchLoop's ReadFrame blocks in the underlying socket read and
	// watches neither ctx nor the shutdown broadcast directly, so a session
	// parked InSync would otherwise never notice shutdown firing. Closing
	// the transport unblocks the read with io.EOF, the same
	// close-the-socket-and-let-the-outer-loop-exit idiom ForceResync uses
	// to force a reconnect. stopWatcher has exactly one owner (this
	// function) and is closed exactly once, on return.
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-s.shutdown.Done():
			transport.Close()
		case <-stopWatcher:
		}
	}()

	if err := s.register(ctx, transport, builder); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	s.setState(StateRegistered)

	if err := s.initialSync(ctx, transport, builder); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	s.setState(StateInSync)
	s.readiness.MarkInitialized()

	dispatchErr := s.dispatchLoop(ctx, transport)
	s.deregister(ctx, transport, builder)
	return dispatchErr
}

// register sends RegisterService and waits for its response.
func (s *Session) register(ctx context.Context, t *lbnwire.Transport, b *lbnwire.Builder) error {
	req := b.RegisterService(s.identity.profile())
	if err := s.sendMessage(ctx, t, req); err != nil {
		return err
	}
	resp, err := s.recvMessage(ctx, t)
	if err != nil {
		return err
	}
	if err := lbnwire.Correlate(req, resp, lbnwire.KindRegisterServiceResponse); err != nil {
		return err
	}
	if resp.Response.Status != lbnwire.StatusOk {
		return fmt.Errorf("register service rejected: status %d", resp.Response.Status)
	}
	return nil
}

// initialSync sends GetNeighbourNodesByDistanceLocal and feeds the
// response to the Reconciler's Apply Initial Set within one transaction.
func (s *Session) initialSync(ctx context.Context, t *lbnwire.Transport, b *lbnwire.Builder) error {
	req := b.GetNeighbourNodesByDistanceLocal()
	if err := s.sendMessage(ctx, t, req); err != nil {
		return err
	}
	resp, err := s.recvMessage(ctx, t)
	if err != nil {
		return err
	}
	if err := lbnwire.Correlate(req, resp, lbnwire.KindGetNeighbourNodesByDistanceLocalResponse); err != nil {
		return err
	}
	if resp.Response.Status != lbnwire.StatusOk {
		return fmt.Errorf("initial sync rejected: status %d", resp.Response.Status)
	}

	nodes := make([]neighborhood.NodeInfo, 0, len(resp.Response.Nodes))
	for _, n := range resp.Response.Nodes {
		nodes = append(nodes, wireNodeToReconciler(n))
	}
	return s.reconciler.ApplyInitialSet(ctx, nodes)
}

// dispatchLoop is the receive/dispatch loop: reads
// frames strictly in order until EOF, shutdown, or a protocol violation.
func (s *Session) dispatchLoop(ctx context.Context, t *lbnwire.Transport) error {
	for {
		select {
		case <-s.shutdown.Done():
			return nil
		default:
		}

		body, err := t.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		msg, err := lbnwire.Decode(body)
		if err != nil {
			s.sendProtocolViolation(ctx, t, lbnwire.SentinelViolationID)
			return fmt.Errorf("decode frame: %w", err)
		}

		if msg.Response != nil {
			// A Response arriving outside a matched request is a protocol
			// violation: the dispatch loop never has
			// an outstanding request once InSync, since no multiplexing is
			// in flight.
			s.sendProtocolViolation(ctx, t, msg.ID)
			return fmt.Errorf("unexpected response in dispatch loop: %w", lbnwire.ErrProtocolViolation)
		}

		if msg.Request.Kind != lbnwire.KindNeighbourhoodChangedNotification {
			s.sendProtocolViolation(ctx, t, msg.ID)
			return fmt.Errorf("unsupported request kind %d: %w", msg.Request.Kind, lbnwire.ErrProtocolViolation)
		}

		if err := s.handleChangeNotification(ctx, t, msg); err != nil {
			return err
		}
	}
}

// handleChangeNotification applies one NeighbourhoodChangedNotification
// through the Reconciler and replies accordingly: success replies NeighbourhoodChangedNotificationResponse;
// a commit failure replies ErrorInternal and drops the session so LBN
// will replay the delta on reconnect (the reconciler is idempotent).
func (s *Session) handleChangeNotification(ctx context.Context, t *lbnwire.Transport, msg *lbnwire.Message) error {
	changes := make([]neighborhood.Change, 0, len(msg.Request.Changes))
	for _, c := range msg.Request.Changes {
		changes = append(changes, wireChangeToReconciler(c))
	}

	if err := s.reconciler.ApplyChangeBatch(ctx, changes); err != nil {
		if sendErr := s.sendMessage(ctx, t, lbnwire.ErrorInternal(msg.ID)); sendErr != nil {
			s.log.Warn("failed to send ErrorInternal", slog.Any("error", sendErr))
		}
		return fmt.Errorf("apply change batch: %w", err)
	}

	return s.sendMessage(ctx, t, lbnwire.NeighbourhoodChangedNotificationResponse(msg.ID))
}

// deregister sends DeregisterService and best-effort waits for its
// acknowledgement. Failures
// are logged, never raised.
func (s *Session) deregister(ctx context.Context, t *lbnwire.Transport, b *lbnwire.Builder) {
	req := b.DeregisterService(s.identity.profile())
	if err := s.sendMessage(ctx, t, req); err != nil {
		s.log.Info("deregister send failed, continuing teardown", slog.Any("error", err))
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, deregisterAckTimeout)
	defer cancel()
	if _, err := s.recvMessage(ackCtx, t); err != nil {
		s.log.Info("deregister ack not observed, continuing teardown", slog.Any("error", err))
	}
}

func (s *Session) sendProtocolViolation(ctx context.Context, t *lbnwire.Transport, id uint32) {
	if err := s.sendMessage(ctx, t, lbnwire.ErrorProtocolViolation(id)); err != nil {
		s.log.Warn("failed to send ErrorProtocolViolation", slog.Any("error", err))
	}
}

func (s *Session) sendMessage(ctx context.Context, t *lbnwire.Transport, msg *lbnwire.Message) error {
	body, err := lbnwire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return t.WriteFrame(ctx, body)
}

func (s *Session) recvMessage(ctx context.Context, t *lbnwire.Transport) (*lbnwire.Message, error) {
	body, err := t.ReadFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	msg, err := lbnwire.Decode(body)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// wireNodeToReconciler converts an lbnwire.NodeInfo to the Reconciler's
// NodeInfo, selecting the contact's port and preserving the wire location
// as a single canonical value.
func wireNodeToReconciler(n lbnwire.NodeInfo) neighborhood.NodeInfo {
	id := make([]byte, 32)
	copy(id, n.Profile.NodeID[:])
	return neighborhood.NodeInfo{
		ServerID: id,
		IP:       n.Profile.Contact.Host,
		Port:     int(n.Profile.Contact.Port),
		Location: neighborhood.Location{
			LatitudeMicrodegrees:  n.Location.LatitudeMicrodegrees,
			LongitudeMicrodegrees: n.Location.LongitudeMicrodegrees,
		},
	}
}

func wireChangeToReconciler(c lbnwire.NeighbourhoodChange) neighborhood.Change {
	switch c.Kind {
	case lbnwire.ChangeKindAddedNodeInfo:
		return neighborhood.Change{Kind: neighborhood.ChangeAdded, Node: wireNodeToReconciler(c.Node)}
	case lbnwire.ChangeKindUpdatedNodeInfo:
		return neighborhood.Change{Kind: neighborhood.ChangeUpdated, Node: wireNodeToReconciler(c.Node)}
	case lbnwire.ChangeKindRemovedNodeID:
		id := make([]byte, 32)
		copy(id, c.RemovedServerID[:])
		return neighborhood.Change{Kind: neighborhood.ChangeRemoved, RemovedServerID: id}
	default:
		// An unrecognized change kind cannot occur here: lbnwire.Decode
		// already rejects unknown kinds as a protocol violation before a
		// Change reaches this conversion.
		return neighborhood.Change{}
	}
}
