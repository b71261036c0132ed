package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

var validate = validator.New()

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func jobIDFromPath(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "jobID")
	return strconv.ParseInt(raw, 10, 64)
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Status(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

type setEnabledClientsRequest struct {
	Clients map[string]struct {
		EnabledAddons []string `json:"enabled_addons"`
		HostFilter    []string `json:"host_filter"`
	} `json:"clients" validate:"required"`
}

// handleSetEnabledClients implements POST /clients.
func (s *Server) handleSetEnabledClients(w http.ResponseWriter, r *http.Request) {
	var req setEnabledClientsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	newMap := make(map[domain.HostName]domain.ClientConfig, len(req.Clients))
	for host, cfg := range req.Clients {
		addons := make(map[string]struct{}, len(cfg.EnabledAddons))
		for _, a := range cfg.EnabledAddons {
			addons[a] = struct{}{}
		}
		filter := make(map[domain.HostName]struct{}, len(cfg.HostFilter))
		for _, h := range cfg.HostFilter {
			filter[domain.HostName(h)] = struct{}{}
		}
		newMap[domain.HostName(host)] = domain.ClientConfig{EnabledAddons: addons, HostFilter: filter}
	}
	if err := s.coord.SetEnabledClients(r.Context(), newMap); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartRecording implements POST /record/start.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.coord.StartRecording(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"job_id": jobID})
}

// handleStopRecording implements POST /record/stop.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.StopRecording(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSavePreBuffer implements POST /record/save-pre-buffer.
func (s *Server) handleSavePreBuffer(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.coord.SavePreBuffer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"job_id": jobID})
}

// handleUploadMeasurement implements POST /measurements/{jobID}/upload.
func (s *Server) handleUploadMeasurement(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := s.coord.UploadMeasurement(r.Context(), jobID, s.ftpProvisioner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadNonUploaded implements POST /measurements/upload-pending.
func (s *Server) handleUploadNonUploaded(w http.ResponseWriter, r *http.Request) {
	n := s.coord.UploadNonUploaded(r.Context(), s.ftpProvisioner)
	writeJSON(w, http.StatusOK, map[string]int{"attempted": n})
}

type commentRequest struct {
	Text string `json:"text" validate:"required"`
}

// handleAddComment implements POST /measurements/{jobID}/comment.
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	var req commentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := s.coord.AddComment(r.Context(), jobID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMeasurement implements DELETE /measurements/{jobID}.
func (s *Server) handleDeleteMeasurement(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := s.coord.DeleteMeasurement(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type restartClientsRequest struct {
	Hosts []string `json:"hosts" validate:"required,min=1"`
}

// handleRestartClients implements POST /clients/restart.
func (s *Server) handleRestartClients(w http.ResponseWriter, r *http.Request) {
	var req restartClientsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	ids := make([]domain.ClientIdentity, len(req.Hosts))
	for i, h := range req.Hosts {
		ids[i] = domain.ClientIdentity(h).Normalize()
	}
	if err := s.coord.RestartClients(r.Context(), ids); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type uploadConfigRequest struct {
	Protocol          string `json:"protocol" validate:"required,oneof=internal_ftp external_ftp"`
	Host              string `json:"host" validate:"required"`
	Port              int    `json:"port" validate:"required,min=1,max=65535"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	RootPath          string `json:"root_path"`
	DeleteAfterUpload bool   `json:"delete_after_upload"`
}

// handleSetUploadConfig implements PUT /upload-config.
func (s *Server) handleSetUploadConfig(w http.ResponseWriter, r *http.Request) {
	var req uploadConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	proto := domain.UploadProtocolInternalFTP
	if req.Protocol == "external_ftp" {
		proto = domain.UploadProtocolExternalFTP
	}
	s.coord.SetUploadConfig(domain.UploadConfig{
		Protocol:          proto,
		Host:              req.Host,
		Port:              req.Port,
		Username:          req.Username,
		Password:          req.Password,
		RootPath:          req.RootPath,
		DeleteAfterUpload: req.DeleteAfterUpload,
	})
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// handleLogin implements POST /auth/login: verifies operator credentials
// and issues a bearer token for subsequent requests.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, domain.ErrInvalidArgument)
		return
	}
	if req.Username != s.cfg.AdminUsername || !VerifyPassword(req.Password, s.cfg.AdminPasswordHash) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	token, err := s.sessions.IssueToken(req.Username, tokenTTL)
	if err != nil {
		writeError(w, domain.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
