package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
)

func (s *Server) handleRegisterOwner(w http.ResponseWriter, r *http.Request) {
	var o registry.Ownership
	if err := decodeJSON(w, r, &o); err != nil {
		s.writeFailure(w, err)
		return
	}
	if o.DeviceID == "" || len(o.DeviceID) > maxDeviceIDLen {
		s.writeFailure(w, badRequest("device_id must be 1-%d characters", maxDeviceIDLen))
		return
	}

	rec, err := s.Owners.Register(o)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleOwnerDevices(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	devices := s.Owners.GetOwnerDevices(address)
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   address,
		"devices": devices,
	})
}

func (s *Server) handleVerifyOwnership(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     vars["address"],
		"device_id": vars["id"],
		"owned":     s.Owners.VerifyDeviceOwnership(vars["id"], vars["address"]),
	})
}
