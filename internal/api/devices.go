package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/telemetry"
)

const maxDeviceIDLen = 128

type registerRequest struct {
	DeviceID    string                  `json:"device_id"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

type registerResponse struct {
	DeviceID        string    `json:"device_id"`
	FingerprintHash string    `json:"fingerprint_hash"`
	RegisteredAt    time.Time `json:"registered_at"`
}

type deviceResponse struct {
	DeviceID     string                   `json:"device_id"`
	Fingerprint  *fingerprint.Fingerprint `json:"fingerprint"`
	RegisteredAt time.Time                `json:"registered_at"`
	Multiplier   float64                  `json:"multiplier"`
	Owner        *registry.Ownership      `json:"owner,omitempty"`
}

type hashrateResponse struct {
	DeviceID        string   `json:"device_id"`
	Hashrate        float64  `json:"hashrate"`
	AverageHashrate *float64 `json:"average_hashrate,omitempty"`
}

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Signature []byte `json:"signature,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if req.DeviceID == "" || len(req.DeviceID) > maxDeviceIDLen {
		s.writeFailure(w, badRequest("device_id must be 1-%d characters", maxDeviceIDLen))
		return
	}

	fp := req.Fingerprint
	if err := s.Registry.RegisterCapped(req.DeviceID, &fp, s.opts.MaxDevicesPerIP); err != nil {
		s.writeFailure(w, err)
		return
	}

	at, _ := s.Registry.RegisteredAt(req.DeviceID)
	fp.DeviceID = req.DeviceID
	if err := s.Events.Registration(r.Context(), req.DeviceID, &fp, at); err != nil {
		s.Logger.WithDevice(req.DeviceID).WithError(err).Warn("registration event not published")
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		DeviceID:        req.DeviceID,
		FingerprintHash: fp.Hash(),
		RegisteredAt:    at,
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	fp, ok := s.Registry.Fingerprint(id)
	if !ok {
		s.writeFailure(w, registry.ErrDeviceUnknown)
		return
	}
	at, _ := s.Registry.RegisteredAt(id)

	resp := deviceResponse{
		DeviceID:     id,
		Fingerprint:  fp,
		RegisteredAt: at,
		Multiplier:   s.Registry.GetDeviceRewardMultiplier(id),
	}
	if o, ok := s.Registry.Ownership(id); ok {
		resp.Owner = &o
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var share fingerprint.Share
	if err := decodeJSON(w, r, &share); err != nil {
		s.writeFailure(w, err)
		return
	}
	if share.DeviceID == "" {
		share.DeviceID = id
	}
	if share.DeviceID != id {
		s.writeFailure(w, badRequest("share device_id %q does not match path", share.DeviceID))
		return
	}

	if err := s.Ingester.Ingest(r.Context(), share, telemetry.SourceHTTP); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"hashrate":  s.Registry.GetDeviceHashrate(id),
	})
}

func (s *Server) handleMultiplier(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  id,
		"multiplier": s.Registry.GetDeviceRewardMultiplier(id),
	})
}

func (s *Server) handleHashrate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp := hashrateResponse{DeviceID: id, Hashrate: s.Registry.GetDeviceHashrate(id)}

	if s.Store != nil {
		avg, ok, err := s.Store.AverageHashrate(r.Context(), id)
		switch {
		case err != nil:
			s.Logger.WithDevice(id).WithError(err).Warn("hashrate window unavailable")
		case ok:
			resp.AverageHashrate = &avg
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.Owners.Transfer(id, req.From, req.To, req.Signature); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"owner":     req.To,
	})
}
