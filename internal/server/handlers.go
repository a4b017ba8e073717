package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"otaupdater/internal/checker"
	"otaupdater/internal/controller"
	"otaupdater/internal/installer"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/service"
	"otaupdater/internal/version"
)

// updateView is an update with the controller's live flags.
type updateView struct {
	model.Update
	Downloading      bool `json:"downloading"`
	Verifying        bool `json:"verifying"`
	Installing       bool `json:"installing"`
	WaitingForReboot bool `json:"waiting_for_reboot"`
	Compatible       bool `json:"compatible"`
	CanInstall       bool `json:"can_install"`
}

func (s *Server) view(u model.Update) updateView {
	id := u.DownloadID
	return updateView{
		Update:           u,
		Downloading:      s.opts.Updates.IsDownloading(id),
		Verifying:        s.opts.Updates.IsVerifyingUpdate(id),
		Installing:       s.opts.Updates.IsInstallingUpdate(id),
		WaitingForReboot: s.opts.Updates.IsWaitingForReboot(id),
		Compatible:       checker.IsCompatible(u.UpdateInfo, s.opts.BuildVersion, s.opts.BuildTimestamp),
		CanInstall:       checker.CanInstall(u.UpdateInfo, s.opts.BuildVersion, s.opts.BuildTimestamp),
	}
}

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	updates := s.opts.Updates.Updates()
	views := make([]updateView, 0, len(updates))
	for _, u := range updates {
		views = append(views, s.view(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetUpdate(w http.ResponseWriter, r *http.Request) {
	u, ok := s.opts.Updates.Update(r.PathValue("id"))
	if !ok {
		http.Error(w, "Update not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.view(u))
}

func (s *Server) handleDeleteUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.opts.Updates.Update(id); !ok {
		http.Error(w, "Update not found", http.StatusNotFound)
		return
	}
	if !s.opts.Updates.DeleteUpdate(id) {
		http.Error(w, "Update is downloading", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	switch action := r.PathValue("action"); action {
	case "install":
		err = s.opts.Control.InstallUpdate(id)
	case string(service.ActionStart), string(service.ActionResume), string(service.ActionPause):
		err = s.opts.Control.DownloadControl(id, service.DownloadAction(action))
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	u, _ := s.opts.Updates.Update(id)
	writeJSON(w, http.StatusAccepted, s.view(u))
}

func (s *Server) handleInstallAction(w http.ResponseWriter, r *http.Request) {
	var err error
	switch r.PathValue("action") {
	case "stop":
		err = s.opts.Control.StopInstall()
	case "suspend":
		err = s.opts.Control.SuspendInstall()
	case "resume":
		err = s.opts.Control.ResumeInstall()
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Checker == nil {
		http.Error(w, "Update checks not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := s.opts.Checker.CheckNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Snapshot(s.opts.DownloadDir)
	if err != nil {
		logging.Error("Failed to collect system snapshot: %v", err)
		http.Error(w, "Failed to collect system information", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrUnknownUpdate), errors.Is(err, installer.ErrUnknownUpdate):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotVerified),
		errors.Is(err, installer.ErrAlreadyInstalling),
		errors.Is(err, installer.ErrNotInstalling):
		status = http.StatusConflict
	case errors.Is(err, checker.ErrOffline), errors.Is(err, installer.ErrNotBound):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
