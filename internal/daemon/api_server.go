package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/negotiation"
	"reelforge/internal/projects"
	"reelforge/internal/services"
	"reelforge/internal/storage"
)

// maxUploadBytes bounds the multipart form held in memory plus temp files.
const maxUploadBytes = 256 << 20

const defaultSessionID = "default"

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	if d.metrics != nil {
		mux.Handle("GET /metrics", d.metrics.Handler())
	}
	if cfg.Identity.AllowIssuer {
		mux.HandleFunc("POST /api/auth/token", srv.handleIssueToken)
	}

	mux.HandleFunc("POST /api/projects", srv.requireAuth(srv.handleCreateProject))
	mux.HandleFunc("GET /api/projects", srv.requireAuth(srv.handleListProjects))
	mux.HandleFunc("GET /api/projects/{id}", srv.requireAuth(srv.handleGetProject))
	mux.HandleFunc("POST /api/projects/{id}/analyze", srv.requireAuth(srv.handleAnalyze))
	mux.HandleFunc("POST /api/projects/{id}/chat", srv.requireAuth(srv.handleChat))
	mux.HandleFunc("POST /api/projects/{id}/regenerate", srv.requireAuth(srv.handleRegenerate))
	mux.HandleFunc("POST /api/projects/{id}/approve", srv.requireAuth(srv.handleApprove))
	mux.HandleFunc("POST /api/projects/{id}/cancel", srv.requireAuth(srv.handleCancel))
	mux.HandleFunc("GET /api/projects/{id}/deliverable", srv.requireAuth(srv.handleDeliverable))

	if local, ok := d.blobs.(*storage.LocalStore); ok {
		mux.HandleFunc("GET /files/{key...}", srv.handleLocalFile(local))
	}

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.daemon.tokens == nil {
		s.writeError(w, http.StatusServiceUnavailable, "identity is not configured")
		return
	}
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	token, err := s.daemon.tokens.Issue(owner)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "issue token failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *apiServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sample, sampleHeader, err := r.FormFile("sample")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "sample file is required")
		return
	}
	defer sample.Close()

	projectID := uuid.NewString()
	sampleLocator, err := s.storeUpload(r.Context(), sample, sampleHeader,
		storage.SampleKey(projectID, filepath.Base(sampleHeader.Filename)))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var refImage, refAudio string
	if file, header, err := r.FormFile("ref_image"); err == nil {
		defer file.Close()
		refImage, err = s.storeUpload(r.Context(), file, header,
			storage.RefImageKey(projectID, filepath.Base(header.Filename)))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
	}
	if file, header, err := r.FormFile("ref_audio"); err == nil {
		defer file.Close()
		refAudio, err = s.storeUpload(r.Context(), file, header,
			storage.RefAudioKey(projectID, filepath.Base(header.Filename)))
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
	}

	project, err := s.daemon.store.Create(r.Context(), projects.NewProject{
		ID:              projectID,
		OwnerID:         owner,
		Filename:        filepath.Base(sampleHeader.Filename),
		SampleLocator:   sampleLocator,
		RefImageLocator: refImage,
		RefAudioLocator: refAudio,
		UserContext:     strings.TrimSpace(r.FormValue("context")),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("project created",
		logging.String("project_id", project.ID),
		logging.String("filename", project.Filename),
	)
	s.writeJSON(w, http.StatusCreated, projectPayload(project, nil))
}

func (s *apiServer) storeUpload(ctx context.Context, file multipart.File, header *multipart.FileHeader, key string) (string, error) {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.daemon.blobs.Put(ctx, key, file, header.Size, contentType)
}

func (s *apiServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	items, err := s.daemon.store.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	payloads := make([]projectResponse, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, projectPayload(item, nil))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": payloads})
}

func (s *apiServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	var plan *projects.Plan
	if project.PlanRevision != "" {
		current, err := s.daemon.store.CurrentPlan(r.Context(), project.ID)
		if err == nil {
			plan = &current
		} else if !errors.Is(err, projects.ErrNoPlan) {
			s.writeServiceError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, projectPayload(project, plan))
}

// handleAnalyze acknowledges an analysis request. Analysis starts on its own
// once a project is uploaded; this endpoint exists so clients can confirm the
// project is queued or already past analysis.
func (s *apiServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	switch project.Status {
	case projects.StatusUploaded, projects.StatusAnalyzing:
		s.writeJSON(w, http.StatusAccepted, projectPayload(project, nil))
	case projects.StatusError, projects.StatusExpired:
		s.writeError(w, http.StatusConflict, fmt.Sprintf("project is %s", project.Status))
	default:
		// Already analyzed or further along.
		s.writeJSON(w, http.StatusOK, projectPayload(project, nil))
	}
}

func (s *apiServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.daemon.chat == nil {
		s.writeError(w, http.StatusServiceUnavailable, "negotiation is not configured")
		return
	}
	owner := ownerFromContext(r.Context())
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	outcome, err := s.daemon.chat.Chat(r.Context(), r.PathValue("id"), owner, sessionOrDefault(req.SessionID), req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcomePayload(outcome))
}

func (s *apiServer) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if s.daemon.chat == nil {
		s.writeError(w, http.StatusServiceUnavailable, "negotiation is not configured")
		return
	}
	owner := ownerFromContext(r.Context())
	var req struct {
		SessionID   string `json:"session_id"`
		Instruction string `json:"instruction"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	outcome, err := s.daemon.chat.Regenerate(r.Context(), r.PathValue("id"), owner, sessionOrDefault(req.SessionID), req.Instruction)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcomePayload(outcome))
}

func (s *apiServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.daemon.chat == nil {
		s.writeError(w, http.StatusServiceUnavailable, "negotiation is not configured")
		return
	}
	owner := ownerFromContext(r.Context())
	if err := s.daemon.chat.Approve(r.Context(), r.PathValue("id"), owner); err != nil {
		s.writeServiceError(w, err)
		return
	}
	project, err := s.daemon.store.GetOwned(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projectPayload(project, nil))
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	requested, err := s.daemon.store.RequestCancel(r.Context(), project.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !requested {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("project in status %s cannot be cancelled", project.Status))
		return
	}
	s.logger.Info("cancel requested", logging.String("project_id", project.ID))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *apiServer) handleDeliverable(w http.ResponseWriter, r *http.Request) {
	project, ok := s.ownedProject(w, r)
	if !ok {
		return
	}
	switch project.Status {
	case projects.StatusCompleted:
	case projects.StatusExpired:
		s.writeError(w, http.StatusGone, "deliverable has expired")
		return
	default:
		s.writeError(w, http.StatusConflict, fmt.Sprintf("project is %s, not completed", project.Status))
		return
	}
	if project.ExpiresAt != nil && !project.ExpiresAt.After(time.Now().UTC()) {
		// Completed but past expiry; the sweeper has not visited yet.
		s.writeError(w, http.StatusGone, "deliverable has expired")
		return
	}

	ttl := time.Duration(s.daemon.cfg.Storage.SignedTTL) * time.Second
	url, err := s.daemon.blobs.SignedURL(r.Context(), storage.DeliverableKey(project.ID), ttl)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	payload := map[string]any{"url": url}
	if project.ExpiresAt != nil {
		payload["expires_at"] = project.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleLocalFile serves signed URLs minted by the filesystem store. Only
// wired when the daemon runs without an object store.
func (s *apiServer) handleLocalFile(local *storage.LocalStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		query := r.URL.Query()
		expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
		if err != nil || time.Now().Unix() > expires {
			s.writeError(w, http.StatusForbidden, "link expired")
			return
		}
		if !local.VerifyToken(key, expires, query.Get("token")) {
			s.writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		reader, err := local.Get(r.Context(), key)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		defer reader.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, reader); err != nil {
			s.logger.Debug("file stream interrupted", logging.Error(err))
		}
	}
}

func (s *apiServer) ownedProject(w http.ResponseWriter, r *http.Request) (*projects.Project, bool) {
	owner := ownerFromContext(r.Context())
	project, err := s.daemon.store.GetOwned(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	return project, true
}

func sessionOrDefault(sessionID string) string {
	if trimmed := strings.TrimSpace(sessionID); trimmed != "" {
		return trimmed
	}
	return defaultSessionID
}

type projectResponse struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	Status      string         `json:"status"`
	Progress    int            `json:"progress"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	UserContext string         `json:"context,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
	ExpiresAt   string         `json:"expires_at,omitempty"`
	Plan        *projects.Plan `json:"plan,omitempty"`
}

func projectPayload(p *projects.Project, plan *projects.Plan) projectResponse {
	resp := projectResponse{
		ID:          p.ID,
		Filename:    p.Filename,
		Status:      string(p.Status),
		Progress:    p.Progress,
		ErrorDetail: p.ErrorDetail,
		UserContext: p.UserContext,
		Provider:    p.SelectedProvider,
		Model:       p.SelectedModel,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
		Plan:        plan,
	}
	if p.CompletedAt != nil {
		resp.CompletedAt = p.CompletedAt.UTC().Format(time.RFC3339)
	}
	if p.ExpiresAt != nil {
		resp.ExpiresAt = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type outcomeResponse struct {
	Reply        string         `json:"reply"`
	PlanChanged  bool           `json:"plan_changed"`
	PlanRevision string         `json:"plan_revision,omitempty"`
	Plan         *projects.Plan `json:"plan,omitempty"`
}

func outcomePayload(outcome negotiation.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Reply:        outcome.Reply,
		PlanChanged:  outcome.PlanChanged,
		PlanRevision: outcome.PlanRevision,
	}
	if outcome.PlanChanged {
		plan := outcome.Plan
		resp.Plan = &plan
	}
	return resp
}

// writeServiceError maps classified failures onto HTTP statuses.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	var transition *projects.InvalidTransitionError
	switch {
	case errors.Is(err, projects.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "project not found")
	case errors.Is(err, projects.ErrNoPlan):
		s.writeError(w, http.StatusConflict, "project has no plan yet")
	case errors.Is(err, projects.ErrPlanConflict), errors.Is(err, services.ErrConflict):
		s.writeError(w, http.StatusConflict, "plan changed concurrently, retry with the current revision")
	case errors.As(err, &transition):
		s.writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, services.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, services.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrRetryableExternal):
		s.writeError(w, http.StatusBadGateway, "upstream service unavailable, retry later")
	default:
		s.logger.Error("request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
