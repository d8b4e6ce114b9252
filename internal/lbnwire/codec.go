package lbnwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrProtocolViolation is returned by Decode and Correlate for any wire
// input that cannot be decoded, correlated, or dispatched.
var ErrProtocolViolation = errors.New("lbnwire: protocol violation")

// tag bytes distinguishing Request from Response at the front of the body.
const (
	tagRequest  byte = 0x01
	tagResponse byte = 0x02
)

// Encode serializes a Message into its wire body (the part that follows
// the C1 length prefix). Layout, all big-endian:
//
//	uint32 id
//	byte   tag (tagRequest | tagResponse)
//	byte   category
//	byte   kind
//	byte   status (responses only)
//	...    payload, kind-specific
func Encode(msg *Message) ([]byte, error) {
	if (msg.Request == nil) == (msg.Response == nil) {
		return nil, fmt.Errorf("%w: message must carry exactly one of Request/Response", ErrProtocolViolation)
	}

	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, msg.ID)

	if msg.Request != nil {
		buf = append(buf, tagRequest, byte(msg.Request.Category), byte(msg.Request.Kind))
		payload, err := encodeRequestPayload(msg.Request)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payload...)
		return buf, nil
	}

	buf = append(buf, tagResponse, byte(msg.Response.Category), byte(msg.Response.Kind), byte(msg.Response.Status))
	payload, err := encodeResponsePayload(msg.Response)
	if err != nil {
		return nil, err
	}
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a wire body into a Message. Any malformed input is
// reported as ErrProtocolViolation, never a lower-level decode error, so
// callers can uniformly route it to the C3 session engine's
// ErrorProtocolViolation response path.
func Decode(body []byte) (*Message, error) {
	if len(body) < 6 {
		return nil, fmt.Errorf("%w: body too short (%d bytes)", ErrProtocolViolation, len(body))
	}
	id := binary.BigEndian.Uint32(body[0:4])
	tag := body[4]

	switch tag {
	case tagRequest:
		category := Category(body[5])
		if len(body) < 7 {
			return nil, fmt.Errorf("%w: truncated request header", ErrProtocolViolation)
		}
		kind := Kind(body[6])
		req, err := decodeRequestPayload(category, kind, body[7:])
		if err != nil {
			return nil, err
		}
		return &Message{ID: id, Request: req}, nil

	case tagResponse:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: truncated response header", ErrProtocolViolation)
		}
		category := Category(body[5])
		kind := Kind(body[6])
		status := Status(body[7])
		resp, err := decodeResponsePayload(category, kind, status, body[8:])
		if err != nil {
			return nil, err
		}
		return &Message{ID: id, Response: resp}, nil

	default:
		return nil, fmt.Errorf("%w: unknown envelope tag 0x%02x", ErrProtocolViolation, tag)
	}
}

func encodeRequestPayload(req *Request) ([]byte, error) {
	switch req.Kind {
	case KindRegisterService, KindDeregisterService:
		return encodeNodeProfile(req.Profile), nil
	case KindGetNeighbourNodesByDistanceLocal:
		return nil, nil
	case KindNeighbourhoodChangedNotification:
		return encodeChanges(req.Changes), nil
	default:
		return nil, fmt.Errorf("%w: unsupported request kind %d", ErrProtocolViolation, req.Kind)
	}
}

func decodeRequestPayload(category Category, kind Kind, payload []byte) (*Request, error) {
	if category != CategoryLocalService {
		return nil, fmt.Errorf("%w: unknown request category %d", ErrProtocolViolation, category)
	}
	switch kind {
	case KindNeighbourhoodChangedNotification:
		changes, err := decodeChanges(payload)
		if err != nil {
			return nil, err
		}
		return &Request{Category: category, Kind: kind, Changes: changes}, nil
	case KindRegisterService, KindDeregisterService:
		profile, _, err := decodeNodeProfile(payload)
		if err != nil {
			return nil, err
		}
		return &Request{Category: category, Kind: kind, Profile: profile}, nil
	case KindGetNeighbourNodesByDistanceLocal:
		return &Request{Category: category, Kind: kind}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported request kind %d", ErrProtocolViolation, kind)
	}
}

func encodeResponsePayload(resp *Response) ([]byte, error) {
	switch resp.Kind {
	case KindGetNeighbourNodesByDistanceLocalResponse:
		return encodeNodes(resp.Nodes), nil
	default:
		return nil, nil
	}
}

func decodeResponsePayload(category Category, kind Kind, status Status, payload []byte) (*Response, error) {
	resp := &Response{Category: category, Kind: kind, Status: status}
	if kind == KindGetNeighbourNodesByDistanceLocalResponse && status == StatusOk {
		nodes, err := decodeNodes(payload)
		if err != nil {
			return nil, err
		}
		resp.Nodes = nodes
	}
	return resp, nil
}

// -------------------------------------------------------------------------
// Field-level encode/decode helpers
// -------------------------------------------------------------------------

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt32(buf []byte, v int32) []byte {
	return appendUint32(buf, uint32(v))
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrProtocolViolation)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string body", ErrProtocolViolation)
	}
	return string(b[:n]), b[n:], nil
}

func encodeContact(c Contact) []byte {
	buf := []byte{byte(c.Family)}
	buf = appendString(buf, c.Host)
	buf = appendUint16(buf, c.Port)
	return buf
}

func decodeContact(b []byte) (Contact, []byte, error) {
	if len(b) < 1 {
		return Contact{}, nil, fmt.Errorf("%w: truncated contact family", ErrProtocolViolation)
	}
	family := ContactFamily(b[0])
	if family != ContactIPv4 && family != ContactIPv6 {
		return Contact{}, nil, fmt.Errorf("%w: unknown contact family %d", ErrProtocolViolation, family)
	}
	b = b[1:]
	host, b, err := readString(b)
	if err != nil {
		return Contact{}, nil, err
	}
	if len(b) < 2 {
		return Contact{}, nil, fmt.Errorf("%w: truncated contact port", ErrProtocolViolation)
	}
	port := binary.BigEndian.Uint16(b)
	return Contact{Family: family, Host: host, Port: port}, b[2:], nil
}

func encodeNodeProfile(p NodeProfile) []byte {
	buf := append([]byte{}, p.NodeID[:]...)
	buf = append(buf, encodeContact(p.Contact)...)
	return buf
}

func decodeNodeProfile(b []byte) (NodeProfile, []byte, error) {
	if len(b) < 32 {
		return NodeProfile{}, nil, fmt.Errorf("%w: truncated node_id", ErrProtocolViolation)
	}
	var p NodeProfile
	copy(p.NodeID[:], b[:32])
	contact, rest, err := decodeContact(b[32:])
	if err != nil {
		return NodeProfile{}, nil, err
	}
	p.Contact = contact
	return p, rest, nil
}

func encodeWireLocation(l WireLocation) []byte {
	buf := appendInt32(nil, l.LatitudeMicrodegrees)
	return appendInt32(buf, l.LongitudeMicrodegrees)
}

func decodeWireLocation(b []byte) (WireLocation, []byte, error) {
	if len(b) < 8 {
		return WireLocation{}, nil, fmt.Errorf("%w: truncated location", ErrProtocolViolation)
	}
	lat := int32(binary.BigEndian.Uint32(b[0:4]))
	lon := int32(binary.BigEndian.Uint32(b[4:8]))
	return WireLocation{LatitudeMicrodegrees: lat, LongitudeMicrodegrees: lon}, b[8:], nil
}

func encodeNodeInfo(n NodeInfo) []byte {
	buf := encodeNodeProfile(n.Profile)
	return append(buf, encodeWireLocation(n.Location)...)
}

func decodeNodeInfo(b []byte) (NodeInfo, []byte, error) {
	profile, rest, err := decodeNodeProfile(b)
	if err != nil {
		return NodeInfo{}, nil, err
	}
	loc, rest, err := decodeWireLocation(rest)
	if err != nil {
		return NodeInfo{}, nil, err
	}
	return NodeInfo{Profile: profile, Location: loc}, rest, nil
}

func encodeNodes(nodes []NodeInfo) []byte {
	buf := appendUint32(nil, uint32(len(nodes)))
	for _, n := range nodes {
		buf = append(buf, encodeNodeInfo(n)...)
	}
	return buf
}

func decodeNodes(b []byte) ([]NodeInfo, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated node count", ErrProtocolViolation)
	}
	count := binary.BigEndian.Uint32(b)
	b = b[4:]
	nodes := make([]NodeInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var n NodeInfo
		var err error
		n, b, err = decodeNodeInfo(b)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func encodeChanges(changes []NeighbourhoodChange) []byte {
	buf := appendUint32(nil, uint32(len(changes)))
	for _, c := range changes {
		buf = append(buf, byte(c.Kind))
		switch c.Kind {
		case ChangeKindAddedNodeInfo, ChangeKindUpdatedNodeInfo:
			buf = append(buf, encodeNodeInfo(c.Node)...)
		case ChangeKindRemovedNodeID:
			buf = append(buf, c.RemovedServerID[:]...)
		}
	}
	return buf
}

func decodeChanges(b []byte) ([]NeighbourhoodChange, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated change count", ErrProtocolViolation)
	}
	count := binary.BigEndian.Uint32(b)
	b = b[4:]
	changes := make([]NeighbourhoodChange, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("%w: truncated change kind", ErrProtocolViolation)
		}
		kind := ChangeKind(b[0])
		b = b[1:]

		var change NeighbourhoodChange
		change.Kind = kind
		switch kind {
		case ChangeKindAddedNodeInfo, ChangeKindUpdatedNodeInfo:
			var node NodeInfo
			var err error
			node, b, err = decodeNodeInfo(b)
			if err != nil {
				return nil, err
			}
			change.Node = node
		case ChangeKindRemovedNodeID:
			if len(b) < 32 {
				return nil, fmt.Errorf("%w: truncated removed server_id", ErrProtocolViolation)
			}
			copy(change.RemovedServerID[:], b[:32])
			b = b[32:]
		default:
			return nil, fmt.Errorf("%w: unknown change kind %d", ErrProtocolViolation, kind)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// -------------------------------------------------------------------------
// Builder
// -------------------------------------------------------------------------

// Builder allocates correlation ids monotonically for one session. It is not safe for concurrent use; the session engine owns a
// single builder instance on its single reader/dispatch goroutine.
type Builder struct {
	nextID uint32
}

// NewBuilder creates a Builder with its counter reset.
func NewBuilder() *Builder {
	return &Builder{nextID: 1}
}

func (b *Builder) allocID() uint32 {
	id := b.nextID
	b.nextID++
	return id
}

// RegisterService builds a RegisterService request.
func (b *Builder) RegisterService(profile NodeProfile) *Message {
	return &Message{
		ID: b.allocID(),
		Request: &Request{
			Category: CategoryLocalService,
			Kind:     KindRegisterService,
			Profile:  profile,
		},
	}
}

// DeregisterService builds a DeregisterService request.
func (b *Builder) DeregisterService(profile NodeProfile) *Message {
	return &Message{
		ID: b.allocID(),
		Request: &Request{
			Category: CategoryLocalService,
			Kind:     KindDeregisterService,
			Profile:  profile,
		},
	}
}

// GetNeighbourNodesByDistanceLocal builds the initial-sync request.
func (b *Builder) GetNeighbourNodesByDistanceLocal() *Message {
	return &Message{
		ID: b.allocID(),
		Request: &Request{
			Category: CategoryLocalService,
			Kind:     KindGetNeighbourNodesByDistanceLocal,
		},
	}
}

// NeighbourhoodChangedNotificationResponse builds the success reply to a
// NeighbourhoodChangedNotification, correlated by id.
func NeighbourhoodChangedNotificationResponse(id uint32) *Message {
	return &Message{
		ID: id,
		Response: &Response{
			Category: CategoryLocalService,
			Kind:     KindNeighbourhoodChangedNotificationResponse,
			Status:   StatusOk,
		},
	}
}

// ErrorInternal builds an internal-error reply correlated by id.
func ErrorInternal(id uint32) *Message {
	return &Message{
		ID: id,
		Response: &Response{
			Category: CategoryLocalService,
			Kind:     KindErrorInternal,
			Status:   StatusErrorInternal,
		},
	}
}

// ErrorProtocolViolation builds a protocol-violation reply. Pass the
// correlated request's id, or SentinelViolationID when no inbound
// correlation exists.
func ErrorProtocolViolation(id uint32) *Message {
	return &Message{
		ID: id,
		Response: &Response{
			Category: CategoryLocalService,
			Kind:     KindErrorProtocolViolation,
			Status:   StatusErrorProtocolViolation,
		},
	}
}

// Correlate checks that resp is a valid reply to the outstanding request
// req built earlier: same id, tagged Response, and matching category/kind
// family. expectKind is the
// response kind expected for req's request kind (e.g.
// KindRegisterServiceResponse for KindRegisterService).
func Correlate(req *Message, resp *Message, expectKind Kind) error {
	if resp.Response == nil {
		return fmt.Errorf("%w: expected a response, got a request", ErrProtocolViolation)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%w: correlation id mismatch (want %d, got %d)", ErrProtocolViolation, req.ID, resp.ID)
	}
	if resp.Response.Category != req.Request.Category {
		return fmt.Errorf("%w: category mismatch", ErrProtocolViolation)
	}
	if resp.Response.Kind != expectKind {
		return fmt.Errorf("%w: expected response kind %d, got %d", ErrProtocolViolation, expectKind, resp.Response.Kind)
	}
	return nil
}
