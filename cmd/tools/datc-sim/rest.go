package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/fisaks/datc/internal/logging"
	"github.com/fisaks/datc/internal/modbus"
	"github.com/fisaks/datc/internal/sim"
)

type valueRequest struct {
	Value uint16 `json:"value"`
}

type restAPI struct {
	grippers map[uint8]*sim.Gripper
}

// StartRestAPI lets tests and operators inspect the simulated grippers
// and inject faults or voltage drops.
func StartRestAPI(addr string, grippers map[uint8]*sim.Gripper) error {
	api := &restAPI{grippers: grippers}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /gripper", api.listHandler)
	mux.HandleFunc("GET /gripper/{address}", api.getHandler)
	mux.HandleFunc("PUT /gripper/{address}/fault", api.setFaultHandler)
	mux.HandleFunc("DELETE /gripper/{address}/fault", api.clearFaultHandler)
	mux.HandleFunc("PUT /gripper/{address}/voltage", api.setVoltageHandler)

	logging.Info("Simulator REST API listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *restAPI) lookup(w http.ResponseWriter, r *http.Request) (*sim.Gripper, bool) {
	id, err := strconv.ParseUint(r.PathValue("address"), 10, 8)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid address")
		return nil, false
	}
	g, ok := a.grippers[uint8(id)]
	if !ok {
		fail(w, http.StatusNotFound, "gripper not found")
		return nil, false
	}
	return g, true
}

/* ------------------------------ handlers -------------------------------- */

func (a *restAPI) listHandler(w http.ResponseWriter, r *http.Request) {
	ids := make([]int, 0, len(a.grippers))
	for id := range a.grippers {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]sim.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.grippers[uint8(id)].Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *restAPI) getHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.Snapshot())
}

func (a *restAPI) setFaultHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value > modbus.FaultCommunication {
		fail(w, http.StatusBadRequest, "unknown fault code")
		return
	}
	g.SetFault(req.Value)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "fault": modbus.FaultText(req.Value)})
}

func (a *restAPI) clearFaultHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := a.lookup(w, r)
	if !ok {
		return
	}
	g.SetFault(modbus.FaultNone)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *restAPI) setVoltageHandler(w http.ResponseWriter, r *http.Request) {
	g, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req valueRequest
	if err := readJSON(r, &req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	g.SetVoltage(req.Value)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
