package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dukahub/dukasync/pkg/storage"
	"github.com/dukahub/dukasync/pkg/types"
)

// DefaultRotationGrace is how long the previous registration key stays
// valid after a rotation when the request does not say otherwise. Long
// enough for every peer on the LAN to pick up the new key.
const DefaultRotationGrace = time.Hour

// RotateKeyRequest is the POST /admin/rotate-key body.
type RotateKeyRequest struct {
	NewKey       string `json:"newKey"`
	GraceSeconds int    `json:"graceSeconds,omitempty"`
}

// RotateKeyResponse confirms a rotation and reports the grace deadline.
type RotateKeyResponse struct {
	Status     string    `json:"status"`
	GraceUntil time.Time `json:"graceUntil"`
}

// handleRotateKey implements POST /admin/rotate-key. The previous key keeps
// working until the grace deadline so peers can restart with the new key
// without a flag-day cutover.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Security == nil {
		writeError(w, http.StatusNotImplemented, "key rotation is not available on this node")
		return
	}

	var req RotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.NewKey == "" {
		writeError(w, http.StatusBadRequest, "newKey is required")
		return
	}

	grace := DefaultRotationGrace
	if req.GraceSeconds > 0 {
		grace = time.Duration(req.GraceSeconds) * time.Second
	}

	if err := s.cfg.Security.Rotate(req.NewKey, grace); err != nil {
		writeError(w, http.StatusInternalServerError, "rotation failed: "+err.Error())
		return
	}

	s.logger.Info().Dur("grace", grace).Msg("registration key rotated via admin api")
	writeJSON(w, http.StatusOK, RotateKeyResponse{
		Status:     "rotated",
		GraceUntil: time.Now().UTC().Add(grace),
	})
}

// SetStrategyRequest is the POST /admin/partitions/{id}/strategy body.
type SetStrategyRequest struct {
	Strategy types.PartitionStrategy `json:"strategy"`
}

// handleSetStrategy implements POST /admin/partitions/{id}/strategy: an
// operator override of how an unresolved partition reconciles. The detector
// re-fires the new strategy's action on its next pass.
func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Partitions == nil {
		writeError(w, http.StatusNotImplemented, "partition management is not available on this node")
		return
	}

	partitionID := chi.URLParam(r, "id")

	var req SetStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch req.Strategy {
	case types.PartitionStrategyMerge, types.PartitionStrategySourceWins,
		types.PartitionStrategyTargetWins, types.PartitionStrategyLatestWins:
	case "":
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown strategy "+string(req.Strategy))
		return
	}

	if err := s.cfg.Partitions.SetStrategy(partitionID, req.Strategy); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	s.logger.Info().
		Str("partition", partitionID).
		Str("strategy", string(req.Strategy)).
		Msg("partition strategy overridden via admin api")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "updated",
		"partitionId": partitionID,
		"strategy":    string(req.Strategy),
	})
}
