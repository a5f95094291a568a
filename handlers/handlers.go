package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/graph"
	"dag-consensus/logger"
	"dag-consensus/models"
)

// Handler contains the HTTP handlers for the consensus API endpoints
type Handler struct {
	Core *consensus.Core
}

// NewHandler creates and returns a new Handler instance
func NewHandler(c *consensus.Core) *Handler {
	return &Handler{Core: c}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// AcceptUnit handles POST requests delivering a newly validated unit to
// the consensus core.
func (h *Handler) AcceptUnit(w http.ResponseWriter, r *http.Request) {
	var unit models.Unit
	if err := json.NewDecoder(r.Body).Decode(&unit); err != nil {
		logger.Logger.Error("Failed to decode unit", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.Core.OnUnitAccepted(&unit); err != nil {
		logger.Logger.Error("Failed to accept unit", zap.String("unit", unit.ID), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Logger.Info("Accepted new unit",
		zap.String("unit", unit.ID), zap.Strings("parents", unit.ParentIDs))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Unit accepted",
		"unit":    unit,
	})
}

// GetUnit returns the full stored record of one unit.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	unit, err := h.Core.Store().Get(id)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownUnit) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		logger.Logger.Error("Failed to load unit", zap.String("unit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// GetStability answers both "is it stable" and "what is its index" from
// one consistently fetched record.
func (h *Handler) GetStability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stable, mci, err := h.Core.StabilityInfo(id)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownUnit) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		logger.Logger.Error("Failed to load stability info", zap.String("unit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unit":             id,
		"is_stable":        stable,
		"main_chain_index": mci,
	})
}

// GetWitnesses returns the witness list in force for a unit.
func (h *Handler) GetWitnesses(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	witnesses, err := h.Core.GetWitnessList(id)
	if err != nil {
		if errors.Is(err, graph.ErrUnknownUnit) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		logger.Logger.Error("Failed to load witness list", zap.String("unit", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unit":      id,
		"witnesses": witnesses,
	})
}

// GetTip reports the current main-chain tip and the last stable index.
func (h *Handler) GetTip(w http.ResponseWriter, r *http.Request) {
	tipID, tipMci, lastStable := h.Core.Tip()
	if tipID == "" {
		writeError(w, http.StatusNotFound, "no main chain yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tip":              tipID,
		"tip_mci":          tipMci,
		"last_stable_mci":  lastStable,
		"consensus_halted": h.Core.Halted(),
	})
}

// GetLastStable reports the last stable main chain index.
func (h *Handler) GetLastStable(w http.ResponseWriter, r *http.Request) {
	_, _, lastStable := h.Core.Tip()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_stable_mci": lastStable,
	})
}
