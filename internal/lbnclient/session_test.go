package lbnclient_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/profilesrv/internal/actionproc"
	"github.com/dantte-lp/profilesrv/internal/coordination"
	"github.com/dantte-lp/profilesrv/internal/lbnclient"
	"github.com/dantte-lp/profilesrv/internal/lbnwire"
	"github.com/dantte-lp/profilesrv/internal/neighborhood"
	"github.com/dantte-lp/profilesrv/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// pipeDialer returns a dial func that always hands back the client side of
// a fresh net.Pipe, and a channel that yields the matching server side for
// a fake in-process LBN server to drive.
func pipeDialer() (dial func(ctx context.Context, addr string) (net.Conn, error), serverConns chan net.Conn) {
	serverConns = make(chan net.Conn, 4)
	dial = func(_ context.Context, _ string) (net.Conn, error) {
		client, server := net.Pipe()
		serverConns <- server
		return client, nil
	}
	return dial, serverConns
}

func newSessionHarness(t *testing.T) (*lbnclient.Session, chan net.Conn, *coordination.Shutdown, *coordination.Readiness) {
	t.Helper()
	locks := coordination.NewLockRegistry()
	store := storage.NewMemoryStore(locks)
	sig := actionproc.NewChannelSignal()
	reconciler := neighborhood.New(func() storage.UnitOfWork { return store.NewUnitOfWork() }, 10, neighborhood.IDLength, sig, discardLogger())

	shutdown := coordination.NewShutdown(context.Background())
	readiness := coordination.NewReadiness()
	dial, serverConns := pipeDialer()

	sess := lbnclient.New(
		"lbn.example:9999",
		lbnclient.Identity{PublicKey: []byte("test-key"), ServerIP: "10.0.0.5", PrimaryRolePort: 5000},
		reconciler,
		shutdown,
		readiness,
		discardLogger(),
		lbnclient.WithDialer(dial),
		lbnclient.WithReconnectInterval(20*time.Millisecond),
	)
	return sess, serverConns, shutdown, readiness
}

// fakeLBNHappyPath drives one connection through register -> initial sync (empty
// set) -> a single NeighbourhoodChangedNotification, then closes.
func fakeLBNHappyPath(t *testing.T, conn net.Conn) {
	t.Helper()
	transport := lbnwire.NewTransport(conn)
	defer transport.Close()

	// RegisterService
	body, err := transport.ReadFrame(context.Background())
	if err != nil {
		t.Errorf("fake LBN: read register frame: %v", err)
		return
	}
	req, err := lbnwire.Decode(body)
	if err != nil || req.Request == nil || req.Request.Kind != lbnwire.KindRegisterService {
		t.Errorf("fake LBN: expected RegisterService, got %+v err=%v", req, err)
		return
	}
	replyOK(t, transport, req.ID, lbnwire.KindRegisterServiceResponse)

	// GetNeighbourNodesByDistanceLocal
	body, err = transport.ReadFrame(context.Background())
	if err != nil {
		t.Errorf("fake LBN: read initial sync frame: %v", err)
		return
	}
	req, err = lbnwire.Decode(body)
	if err != nil || req.Request == nil || req.Request.Kind != lbnwire.KindGetNeighbourNodesByDistanceLocal {
		t.Errorf("fake LBN: expected GetNeighbourNodesByDistanceLocal, got %+v err=%v", req, err)
		return
	}
	resp := &lbnwire.Message{
		ID: req.ID,
		Response: &lbnwire.Response{
			Category: lbnwire.CategoryLocalService,
			Kind:     lbnwire.KindGetNeighbourNodesByDistanceLocalResponse,
			Status:   lbnwire.StatusOk,
		},
	}
	send(t, transport, resp)

	// One change notification.
	notify := &lbnwire.Message{
		ID: 999,
		Request: &lbnwire.Request{
			Category: lbnwire.CategoryLocalService,
			Kind:     lbnwire.KindNeighbourhoodChangedNotification,
			Changes: []lbnwire.NeighbourhoodChange{
				{Kind: lbnwire.ChangeKindAddedNodeInfo, Node: lbnwire.NodeInfo{
					Profile: lbnwire.NodeProfile{Contact: lbnwire.Contact{Family: lbnwire.ContactIPv4, Host: "1.2.3.4", Port: 1000}},
				}},
			},
		},
	}
	send(t, transport, notify)

	ackBody, err := transport.ReadFrame(context.Background())
	if err != nil {
		t.Errorf("fake LBN: read notification ack: %v", err)
		return
	}
	ack, err := lbnwire.Decode(ackBody)
	if err != nil || ack.Response == nil || ack.Response.Kind != lbnwire.KindNeighbourhoodChangedNotificationResponse {
		t.Errorf("fake LBN: expected NeighbourhoodChangedNotificationResponse, got %+v err=%v", ack, err)
	}
}

func replyOK(t *testing.T, transport *lbnwire.Transport, id uint32, kind lbnwire.Kind) {
	t.Helper()
	send(t, transport, &lbnwire.Message{
		ID: id,
		Response: &lbnwire.Response{
			Category: lbnwire.CategoryLocalService,
			Kind:     kind,
			Status:   lbnwire.StatusOk,
		},
	})
}

func send(t *testing.T, transport *lbnwire.Transport, msg *lbnwire.Message) {
	t.Helper()
	body, err := lbnwire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := transport.WriteFrame(context.Background(), body); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSession_HappyPathReachesInSyncAndLatchesReadiness(t *testing.T) {
	t.Parallel()
	sess, serverConns, shutdown, readiness := newSessionHarness(t)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(context.Background()) }()

	select {
	case conn := <-serverConns:
		fakeLBNHappyPath(t, conn)
	case <-time.After(time.Second):
		t.Fatal("session never dialed")
	}

	deadline := time.After(time.Second)
	for !readiness.Initialized() {
		select {
		case <-deadline:
			t.Fatal("readiness never latched")
		case <-time.After(5 * time.Millisecond):
		}
	}

	shutdown.Trigger()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after shutdown")
	}
}

func TestSession_ReconnectsAfterRegisterFailure(t *testing.T) {
	t.Parallel()
	sess, serverConns, shutdown, _ := newSessionHarness(t)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(context.Background()) }()

	// First connection: reply with a failure status to RegisterService,
	// forcing a reconnect.
	select {
	case conn := <-serverConns:
		transport := lbnwire.NewTransport(conn)
		body, err := transport.ReadFrame(context.Background())
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		req, err := lbnwire.Decode(body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		send(t, transport, &lbnwire.Message{
			ID: req.ID,
			Response: &lbnwire.Response{
				Category: lbnwire.CategoryLocalService,
				Kind:     lbnwire.KindRegisterServiceResponse,
				Status:   lbnwire.StatusErrorInternal,
			},
		})
		transport.Close()
	case <-time.After(time.Second):
		t.Fatal("session never dialed the first time")
	}

	// Second connection attempt must arrive after the reconnect interval.
	select {
	case conn := <-serverConns:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("session never reconnected")
	}

	shutdown.Trigger()
	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after shutdown")
	}
}
