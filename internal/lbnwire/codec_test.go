package lbnwire_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/profilesrv/internal/lbnwire"
)

func TestEncodeDecode_RegisterService(t *testing.T) {
	t.Parallel()
	b := lbnwire.NewBuilder()
	profile := lbnwire.NodeProfile{
		Contact: lbnwire.Contact{Family: lbnwire.ContactIPv4, Host: "10.0.0.1", Port: 4000},
	}
	profile.NodeID[0] = 0xAB

	msg := b.RegisterService(profile)
	body, err := lbnwire.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := lbnwire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ID != msg.ID {
		t.Fatalf("id mismatch: got %d want %d", decoded.ID, msg.ID)
	}
	if decoded.Request == nil || decoded.Request.Kind != lbnwire.KindRegisterService {
		t.Fatalf("unexpected request: %+v", decoded.Request)
	}
	if decoded.Request.Profile.Contact.Host != "10.0.0.1" || decoded.Request.Profile.Contact.Port != 4000 {
		t.Fatalf("contact round-trip mismatch: %+v", decoded.Request.Profile.Contact)
	}
	if decoded.Request.Profile.NodeID[0] != 0xAB {
		t.Fatalf("node id round-trip mismatch: %v", decoded.Request.Profile.NodeID)
	}
}

func TestEncodeDecode_NeighbourhoodChangedNotification(t *testing.T) {
	t.Parallel()
	var removed [32]byte
	removed[1] = 0x42

	req := &lbnwire.Message{
		ID: 7,
		Request: &lbnwire.Request{
			Category: lbnwire.CategoryLocalService,
			Kind:     lbnwire.KindNeighbourhoodChangedNotification,
			Changes: []lbnwire.NeighbourhoodChange{
				{Kind: lbnwire.ChangeKindAddedNodeInfo, Node: lbnwire.NodeInfo{
					Profile: lbnwire.NodeProfile{Contact: lbnwire.Contact{Family: lbnwire.ContactIPv6, Host: "::1", Port: 9000}},
				}},
				{Kind: lbnwire.ChangeKindRemovedNodeID, RemovedServerID: removed},
			},
		},
	}

	body, err := lbnwire.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := lbnwire.Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Request.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(decoded.Request.Changes))
	}
	if decoded.Request.Changes[1].RemovedServerID != removed {
		t.Fatalf("removed id round-trip mismatch")
	}
}

func TestDecode_TruncatedBodyIsProtocolViolation(t *testing.T) {
	t.Parallel()
	_, err := lbnwire.Decode([]byte{0, 0, 0, 1})
	if !errors.Is(err, lbnwire.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestCorrelate_MismatchIsProtocolViolation(t *testing.T) {
	t.Parallel()
	b := lbnwire.NewBuilder()
	req := b.GetNeighbourNodesByDistanceLocal()

	wrongIDResp := &lbnwire.Message{
		ID: req.ID + 1,
		Response: &lbnwire.Response{
			Category: lbnwire.CategoryLocalService,
			Kind:     lbnwire.KindGetNeighbourNodesByDistanceLocalResponse,
			Status:   lbnwire.StatusOk,
		},
	}
	err := lbnwire.Correlate(req, wrongIDResp, lbnwire.KindGetNeighbourNodesByDistanceLocalResponse)
	if !errors.Is(err, lbnwire.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation for id mismatch, got %v", err)
	}

	rightResp := &lbnwire.Message{
		ID: req.ID,
		Response: &lbnwire.Response{
			Category: lbnwire.CategoryLocalService,
			Kind:     lbnwire.KindGetNeighbourNodesByDistanceLocalResponse,
			Status:   lbnwire.StatusOk,
		},
	}
	if err := lbnwire.Correlate(req, rightResp, lbnwire.KindGetNeighbourNodesByDistanceLocalResponse); err != nil {
		t.Fatalf("expected matching correlation to succeed, got %v", err)
	}
}

func TestErrorProtocolViolation_SentinelID(t *testing.T) {
	t.Parallel()
	msg := lbnwire.ErrorProtocolViolation(lbnwire.SentinelViolationID)
	if msg.ID != 0x0BADC0DE {
		t.Fatalf("unexpected sentinel id: 0x%08x", msg.ID)
	}
}
