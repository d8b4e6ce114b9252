package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dantte-lp/profilesrv/internal/adminapi"
)

// errNeighborNotFound is returned when the admin API responds 404 to a show request.
var errNeighborNotFound = errors.New("neighbor not found")

// listNeighbors fetches every neighbor currently held by the daemon.
func listNeighbors(addr string) ([]adminapi.NeighborView, error) {
	resp, err := httpClient.Get("http://" + addr + "/api/v1/neighbors")
	if err != nil {
		return nil, fmt.Errorf("list neighbors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list neighbors: unexpected status %s", resp.Status)
	}

	var views []adminapi.NeighborView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("decode neighbor list: %w", err)
	}
	return views, nil
}

// showNeighbor fetches a single neighbor by hex-encoded server ID.
func showNeighbor(addr, id string) (adminapi.NeighborView, error) {
	resp, err := httpClient.Get("http://" + addr + "/api/v1/neighbors/" + id)
	if err != nil {
		return adminapi.NeighborView{}, fmt.Errorf("show neighbor: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return adminapi.NeighborView{}, fmt.Errorf("%w: %s", errNeighborNotFound, id)
	default:
		return adminapi.NeighborView{}, fmt.Errorf("show neighbor: unexpected status %s", resp.Status)
	}

	var view adminapi.NeighborView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return adminapi.NeighborView{}, fmt.Errorf("decode neighbor: %w", err)
	}
	return view, nil
}

// triggerResync asks the daemon to drop and re-establish its LBN session.
func triggerResync(addr string) error {
	resp, err := httpClient.Post("http://"+addr+"/api/v1/resync", "", nil)
	if err != nil {
		return fmt.Errorf("trigger resync: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("trigger resync: unexpected status %s", resp.Status)
	}
	return nil
}
