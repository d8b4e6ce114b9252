// Package neighborhood implements the Neighborhood Reconciler (C4): the
// data model for known peer profile servers and the durable work queue
// consumed by the external Action Processor, plus the validation and
// upsert logic that keeps both consistent with notifications from the
// Location-Based Network (LBN) node.
package neighborhood

import (
	"errors"
	"fmt"
	"time"
)

// IDLength is the fixed neighbor identifier length: SHA-256 of the peer's
// public key.
const IDLength = 32

// ID is an opaque 32-byte neighbor identifier. It is comparable and usable
// as a map key, unlike a []byte.
type ID [IDLength]byte

// String returns a short hex preview of the identifier, for logging.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Port is a TCP/UDP port number in [1, 65535]. Zero means unset.
//
// sr_neighbor_port is populated later by the external profile-sharing
// handshake and invalidated (cleared) by the reconciler whenever
// primary_port changes — a zero Port models both "never set" and
// "cleared" without needing a pointer: a wire-optional field is modeled
// as zero-valued rather than nil.
type Port uint16

// IsSet reports whether the port has been populated.
func (p Port) IsSet() bool { return p != 0 }

// Location is a signed micro-degree coordinate pair: latitude in
// [-90e6, 90e6], longitude in [-180e6, 180e6].
type Location struct {
	LatitudeMicrodegrees  int32
	LongitudeMicrodegrees int32
}

// Coordinate bounds and the wire sentinel for "no location". The LBN wire
// protocol reserves this value to mean the node reported no location fix.
const (
	minLatitudeMicrodegrees  = -90_000_000
	maxLatitudeMicrodegrees  = 90_000_000
	minLongitudeMicrodegrees = -180_000_000
	maxLongitudeMicrodegrees = 180_000_000

	// NoLocationSentinel is the wire-format sentinel meaning "no location
	// fix available". It coincides with the int32 minimum so it can never
	// collide with a valid latitude or longitude.
	NoLocationSentinel int32 = -2147483648
)

// Valid reports whether the location satisfies the validity predicate:
// both coordinates in range and neither is the wire sentinel.
func (l Location) Valid() bool {
	if l.LatitudeMicrodegrees == NoLocationSentinel || l.LongitudeMicrodegrees == NoLocationSentinel {
		return false
	}
	if l.LatitudeMicrodegrees < minLatitudeMicrodegrees || l.LatitudeMicrodegrees > maxLatitudeMicrodegrees {
		return false
	}
	if l.LongitudeMicrodegrees < minLongitudeMicrodegrees || l.LongitudeMicrodegrees > maxLongitudeMicrodegrees {
		return false
	}
	return true
}

// Neighbor is a known peer profile server.
type Neighbor struct {
	NeighborID      ID
	IPAddress       string // textual IPv4 or IPv6
	PrimaryPort     Port
	SRNeighborPort  Port // unset until the peer-to-peer handshake succeeds
	Location        Location
	LastRefreshTime time.Time // zero means unset
}

// RefreshInitialized reports whether the peer-to-peer handshake has set
// LastRefreshTime at least once. While unset, inbound updates from this
// neighbor must be rejected by downstream components.
func (n Neighbor) RefreshInitialized() bool {
	return !n.LastRefreshTime.IsZero()
}

// ActionType enumerates the NeighborhoodAction variants the core can emit.
// Other variants exist for the external Action Processor but are out of
// scope for this core.
type ActionType uint8

const (
	// ActionAddNeighbor schedules the Action Processor to begin the
	// peer-to-peer profile exchange with a newly admitted neighbor.
	ActionAddNeighbor ActionType = iota + 1

	// ActionRemoveNeighbor schedules the Action Processor to tear down and
	// delete a neighbor the core no longer considers current.
	ActionRemoveNeighbor
)

// String returns the human-readable action type name.
func (t ActionType) String() string {
	switch t {
	case ActionAddNeighbor:
		return "AddNeighbor"
	case ActionRemoveNeighbor:
		return "RemoveNeighbor"
	default:
		return "Unknown"
	}
}

// Action is a durable work item for the Action Processor. TargetIdentityID and AdditionalData are always unset for
// actions emitted by the core; they exist because the processor's queue
// also carries other action kinds this core never produces.
type Action struct {
	ServerID         ID
	Type             ActionType
	Timestamp        time.Time
	ExecuteAfter     time.Time
	TargetIdentityID []byte
	AdditionalData   []byte
}

// Sentinel validation errors.
var (
	// ErrInvalidServerID indicates server_id is not exactly IDLength bytes.
	ErrInvalidServerID = errors.New("server_id must be exactly 32 bytes")

	// ErrInvalidPort indicates a port outside [1, 65535].
	ErrInvalidPort = errors.New("port must be in [1, 65535]")

	// ErrInvalidLocation indicates the location fails the validity predicate.
	ErrInvalidLocation = errors.New("location is invalid or unset")
)

// ValidatePort checks a port is in the wire-valid range [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d: %w", port, ErrInvalidPort)
	}
	return nil
}

// ValidateServerIDLen checks a raw identifier byte slice has the configured
// fixed length. The configured length is always IDLength (32) in
// production, but callers pass it explicitly so tests can probe the
// "identifier_length" configuration contract directly.
func ValidateServerIDLen(raw []byte, wantLen int) error {
	if len(raw) != wantLen {
		return fmt.Errorf("server_id length %d, want %d: %w", len(raw), wantLen, ErrInvalidServerID)
	}
	return nil
}
