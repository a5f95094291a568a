package routers

import (
	"dag-consensus/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the consensus core
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Delivers a newly validated unit to the consensus pipeline
	r.HandleFunc("/units", h.AcceptUnit).Methods("POST")

	// Retrieves the full stored record of a unit
	r.HandleFunc("/units/{id}", h.GetUnit).Methods("GET")

	// Answers stability and main chain index from one consistent record
	r.HandleFunc("/units/{id}/stability", h.GetStability).Methods("GET")

	// Retrieves the witness list in force for a unit
	r.HandleFunc("/units/{id}/witnesses", h.GetWitnesses).Methods("GET")

	// Reports the current main-chain tip
	r.HandleFunc("/mainchain/tip", h.GetTip).Methods("GET")

	// Reports the last irreversibly final main chain index
	r.HandleFunc("/mainchain/last-stable", h.GetLastStable).Methods("GET")
}
