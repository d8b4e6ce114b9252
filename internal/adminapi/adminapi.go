// Package adminapi exposes a small read-only JSON HTTP surface over the
// Neighborhood Reconciler's committed store, plus a resync trigger, for
// the neighborctl operator CLI: a hand-rolled encoding/json endpoint is
// the narrowest stdlib-adjacent substitute that still lets an external
// process inspect and nudge a running daemon without a generated RPC
// schema.
package adminapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dantte-lp/profilesrv/internal/neighborhood"
	"github.com/dantte-lp/profilesrv/internal/storage"
)

// Resyncer forces the LBN session engine to drop and re-establish its
// connection, replaying register -> initial sync.
type Resyncer interface {
	ForceResync()
}

// Handler serves the admin JSON API.
type Handler struct {
	store    *storage.MemoryStore
	resyncer Resyncer
}

// New creates a Handler backed by store for reads and resyncer for the
// resync trigger.
func New(store *storage.MemoryStore, resyncer Resyncer) *Handler {
	return &Handler{store: store, resyncer: resyncer}
}

// Register attaches the admin API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/neighbors", h.handleList)
	mux.HandleFunc("GET /api/v1/neighbors/{id}", h.handleShow)
	mux.HandleFunc("POST /api/v1/resync", h.handleResync)
}

// NeighborView is the JSON wire shape of a single neighbor row.
type NeighborView struct {
	ServerID        string `json:"server_id"`
	IPAddress       string `json:"ip_address"`
	PrimaryPort     int    `json:"primary_port"`
	SRNeighborPort  int    `json:"sr_neighbor_port,omitempty"`
	LatitudeMicro   int32  `json:"latitude_microdegrees"`
	LongitudeMicro  int32  `json:"longitude_microdegrees"`
	LastRefreshTime string `json:"last_refresh_time,omitempty"`
}

func toView(n neighborhood.Neighbor) NeighborView {
	v := NeighborView{
		ServerID:       hex.EncodeToString(n.NeighborID[:]),
		IPAddress:      n.IPAddress,
		PrimaryPort:    int(n.PrimaryPort),
		SRNeighborPort: int(n.SRNeighborPort),
		LatitudeMicro:  n.Location.LatitudeMicrodegrees,
		LongitudeMicro: n.Location.LongitudeMicrodegrees,
	}
	if !n.LastRefreshTime.IsZero() {
		v.LastRefreshTime = n.LastRefreshTime.UTC().Format(time.RFC3339)
	}
	return v
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.store.Snapshot()
	views := make([]NeighborView, 0, len(snapshot))
	for _, n := range snapshot {
		views = append(views, toView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("id"))
	if err != nil || len(raw) != neighborhood.IDLength {
		http.Error(w, "invalid server_id: must be 64 hex characters", http.StatusBadRequest)
		return
	}
	var id neighborhood.ID
	copy(id[:], raw)

	for _, n := range h.store.Snapshot() {
		if n.NeighborID == id {
			writeJSON(w, http.StatusOK, toView(n))
			return
		}
	}
	http.Error(w, "neighbor not found", http.StatusNotFound)
}

func (h *Handler) handleResync(w http.ResponseWriter, _ *http.Request) {
	h.resyncer.ForceResync()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
