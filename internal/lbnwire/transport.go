package lbnwire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var noDeadline time.Time

// maxFrameSize bounds a single frame body. 1 MiB is far
// above any realistic NeighbourhoodChangedNotification batch.
const maxFrameSize = 1 << 20

// minFrameSize is the smallest frame length ReadFrame accepts (the 4-byte
// id alone); used only to fail fast on an obviously malformed length
// prefix. Decode itself needs at least 6 bytes and rejects shorter bodies.
const minFrameSize = 4

// ErrTransportClosed is returned by WriteFrame/ReadFrame once Close has
// been called. It is never fatal to the process.
var ErrTransportClosed = errors.New("lbnwire: transport closed")

// Transport implements the Framed Transport (C1): a length-prefixed
// envelope over a net.Conn with single-writer discipline. Concrete framing
// is fixed by the external LBN protocol and implemented bit-exact: a
// uint32 big-endian length prefix followed by that many body bytes.
type Transport struct {
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport wraps conn. The caller retains ownership of socket-level
// tuning (see ConfigureKeepalive) and of closing conn via Close.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn, closed: make(chan struct{})}
}

// WriteFrame writes one length-prefixed frame. Concurrent callers
// serialize through a mutex, guaranteeing frame atomicity.
func (t *Transport) WriteFrame(ctx context.Context, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocolViolation, len(body), maxFrameSize)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(noDeadline)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := t.conn.Write(header[:]); err != nil {
		return t.translateIOErr(err)
	}
	if _, err := t.conn.Write(body); err != nil {
		return t.translateIOErr(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. Only the session engine's
// single receive-loop goroutine may call this.
func (t *Transport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, io.EOF
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(noDeadline)
	}

	// A read cut short by our own Close is reported as io.EOF.
	readErr := func(err error) error {
		if errors.Is(t.translateIOErr(err), ErrTransportClosed) {
			return io.EOF
		}
		return err
	}

	var header [4]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, readErr(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length < minFrameSize || length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d out of bounds", ErrProtocolViolation, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return nil, readErr(err)
	}
	return body, nil
}

// translateIOErr maps an I/O error that follows our own Close to the
// non-fatal ErrTransportClosed rather than surfacing the underlying
// net.OpError (ReadFrame then reports that case as io.EOF). Errors caused
// by the peer closing the connection are returned unchanged.
func (t *Transport) translateIOErr(err error) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
		return err
	}
}

// Close unblocks any pending ReadFrame with io.EOF and any pending
// WriteFrame with ErrTransportClosed, then closes the underlying
// connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}
