package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ymode/SyntheticCoin-SYNC/internal/messaging"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
)

type devicesRequest struct {
	DeviceIDs []string `json:"device_ids"`
}

type verifyResponse struct {
	verification.Result
	Spoofing bool   `json:"spoofing"`
	Error    string `json:"error,omitempty"`
}

type memberRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req devicesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}

	res := s.Engine.VerifyDeviceDistribution(req.DeviceIDs)

	if s.Store != nil {
		if err := s.Store.RecordVerification(r.Context(), req.DeviceIDs, res); err != nil {
			s.Logger.WithError(err).Warn("verification not recorded")
		}
	}
	if err := s.Events.Verification(r.Context(), req.DeviceIDs, res); err != nil {
		s.Logger.WithError(err).Warn("verification event not published")
	}

	resp := verifyResponse{Result: res, Spoofing: res.Spoofing()}
	if err := res.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpoofing(w http.ResponseWriter, r *http.Request) {
	var req devicesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"spoofing": s.Engine.DetectSpoofing(req.DeviceIDs),
	})
}

func (s *Server) handleFormSquad(w http.ResponseWriter, r *http.Request) {
	var req devicesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}

	sq, err := s.Squads.FormSquad(req.DeviceIDs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.publishSquad(r, messaging.SquadFormed, sq, "")
	writeJSON(w, http.StatusCreated, sq)
}

func (s *Server) handleListSquads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.Squads())
}

func (s *Server) handleGetSquad(w http.ResponseWriter, r *http.Request) {
	sq, ok := s.Registry.Squad(mux.Vars(r)["id"])
	if !ok {
		s.writeFailure(w, registry.ErrSquadNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sq)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if req.DeviceID == "" {
		s.writeFailure(w, badRequest("device_id is required"))
		return
	}

	sq, err := s.Squads.AddMember(mux.Vars(r)["id"], req.DeviceID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.publishSquad(r, messaging.SquadMemberAdded, sq, req.DeviceID)
	writeJSON(w, http.StatusOK, sq)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sq, err := s.Squads.RemoveMember(vars["id"], vars["device"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.publishSquad(r, messaging.SquadMemberRemoved, sq, vars["device"])
	writeJSON(w, http.StatusOK, sq)
}

func (s *Server) handleBlockFound(w http.ResponseWriter, r *http.Request) {
	sq, err := s.Registry.RecordBlockFound(mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.publishSquad(r, messaging.SquadBlockFound, sq, "")
	writeJSON(w, http.StatusOK, sq)
}

func (s *Server) handleRewardShare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"squad_id":  vars["id"],
		"device_id": vars["device"],
		"share":     s.Registry.RewardShare(vars["id"], vars["device"]),
	})
}

func (s *Server) publishSquad(r *http.Request, action string, sq registry.Squad, deviceID string) {
	if err := s.Events.Squad(r.Context(), action, sq, deviceID); err != nil {
		s.Logger.WithSquad(sq.ID).WithError(err).Warn("squad event not published", "action", action)
	}
}
