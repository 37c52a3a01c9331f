package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/identity"
	"reelforge/internal/logging"
	"reelforge/internal/metrics"
	"reelforge/internal/negotiation"
	"reelforge/internal/projects"
	"reelforge/internal/services/llm"
	"reelforge/internal/storage"
	"reelforge/internal/testsupport"
	"reelforge/internal/workflow"
)

type scriptedCompletion struct {
	responses []string
}

func (s *scriptedCompletion) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	if len(s.responses) == 0 {
		return "", fmt.Errorf("no scripted response")
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

type apiFixture struct {
	cfg    *config.Config
	store  *projects.Store
	blobs  *storage.LocalStore
	tokens *identity.Manager
	server *httptest.Server
	chat   *scriptedCompletion
}

// newAPIFixture wires a daemon without starting its listener or lanes and
// serves its mux through httptest.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Identity.AllowIssuer = true
	cfg.Storage.SignedTTL = 300
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	store := testsupport.MustOpenStore(t, cfg)
	blobs, err := storage.NewLocalStore(cfg.Paths.WorkDir, []byte(cfg.Identity.SigningKey))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	tokens, err := identity.NewManager(cfg.Identity)
	if err != nil {
		t.Fatalf("identity.NewManager: %v", err)
	}
	chat := &scriptedCompletion{}

	manager := workflow.NewManager(cfg, store, blobs, nil, logging.NewNop())
	d, err := New(cfg, Services{
		Store:       store,
		Blobs:       blobs,
		Workflow:    manager,
		Identity:    tokens,
		Negotiation: negotiation.NewService(store, chat, logging.NewNop()),
		Metrics:     metrics.New(),
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	server := httptest.NewServer(d.api.server.Handler)
	t.Cleanup(server.Close)
	return &apiFixture{cfg: cfg, store: store, blobs: blobs, tokens: tokens, server: server, chat: chat}
}

func (fx *apiFixture) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := fx.tokens.Issue(owner)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (fx *apiFixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, fx.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (fx *apiFixture) postJSON(t *testing.T, path, token string, payload any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return fx.do(t, http.MethodPost, path, token, bytes.NewReader(encoded), "application/json")
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func uploadSample(t *testing.T, fx *apiFixture, token, filename, content string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("sample", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	resp := fx.do(t, http.MethodPost, "/api/projects", token, &buf, writer.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, body)
	}
	var payload map[string]any
	decodeBody(t, resp, &payload)
	return payload
}

func TestAPIRejectsMissingToken(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/projects", "", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp = fx.do(t, http.MethodGet, "/api/projects", "bogus-token", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestAPITokenIssuance(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.postJSON(t, "/api/auth/token", "", map[string]string{"owner_id": "owner-9"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]string
	decodeBody(t, resp, &payload)
	owner, err := fx.tokens.Validate(payload["token"])
	if err != nil || owner != "owner-9" {
		t.Errorf("issued token validates to (%q, %v)", owner, err)
	}
}

func TestAPIUploadCreatesProject(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")

	payload := uploadSample(t, fx, token, "ad.mp4", "sample-bytes")
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("payload missing id: %v", payload)
	}
	if payload["status"] != string(projects.StatusUploaded) {
		t.Errorf("status = %v, want uploaded", payload["status"])
	}

	project, err := fx.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if project.OwnerID != "owner-1" || project.Filename != "ad.mp4" {
		t.Errorf("project = %+v", project)
	}
	body, err := fx.blobs.Get(context.Background(), project.SampleLocator)
	if err != nil {
		t.Fatalf("sample blob missing: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "sample-bytes" {
		t.Errorf("stored sample = %q", data)
	}
}

func TestAPIUploadRequiresSample(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("context", "no file attached")
	writer.Close()

	resp := fx.do(t, http.MethodPost, "/api/projects", token, &buf, writer.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIProjectOwnershipIsolation(t *testing.T) {
	fx := newAPIFixture(t)
	owner := fx.token(t, "owner-1")
	intruder := fx.token(t, "owner-2")

	payload := uploadSample(t, fx, owner, "ad.mp4", "x")
	id := payload["id"].(string)

	resp := fx.do(t, http.MethodGet, "/api/projects/"+id, intruder, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign owner status = %d, want 404", resp.StatusCode)
	}
	resp = fx.do(t, http.MethodGet, "/api/projects/"+id, owner, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner status = %d, want 200", resp.StatusCode)
	}
}

func TestAPIAnalyzeAcknowledges(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")
	ctx := context.Background()

	payload := uploadSample(t, fx, token, "ad.mp4", "x")
	id := payload["id"].(string)

	resp := fx.postJSON(t, "/api/projects/"+id+"/analyze", token, map[string]string{})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("uploaded analyze status = %d, want 202", resp.StatusCode)
	}

	if err := fx.store.MarkError(ctx, id, "probe failed"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	resp = fx.postJSON(t, "/api/projects/"+id+"/analyze", token, map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("errored analyze status = %d, want 409", resp.StatusCode)
	}
}

func TestAPIChatAndApproveFlow(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")
	ctx := context.Background()

	payload := uploadSample(t, fx, token, "ad.mp4", "x")
	id := payload["id"].(string)
	testsupport.AdvanceTo(t, fx.store, id, projects.StatusAnalyzed)
	testsupport.SeedPlan(t, fx.store, id)

	fx.chat.responses = []string{`{"reply": "All good.", "plan_changed": false, "plan": null}`}
	resp := fx.postJSON(t, "/api/projects/"+id+"/chat", token, map[string]string{"message": "looks fine?"})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("chat status = %d: %s", resp.StatusCode, body)
	}
	var outcome map[string]any
	decodeBody(t, resp, &outcome)
	if outcome["plan_changed"] != false {
		t.Errorf("plan_changed = %v", outcome["plan_changed"])
	}

	resp = fx.postJSON(t, "/api/projects/"+id+"/approve", token, map[string]string{})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("approve status = %d: %s", resp.StatusCode, body)
	}
	project, err := fx.store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if project.Status != projects.StatusGenerating {
		t.Errorf("status after approve = %s, want generating", project.Status)
	}
}

func TestAPIChatWithoutPlanConflicts(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")

	payload := uploadSample(t, fx, token, "ad.mp4", "x")
	id := payload["id"].(string)
	testsupport.AdvanceTo(t, fx.store, id, projects.StatusAnalyzed)

	fx.chat.responses = []string{`{"reply": "?", "plan_changed": false, "plan": null}`}
	resp := fx.postJSON(t, "/api/projects/"+id+"/chat", token, map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("chat without plan status = %d, want 409", resp.StatusCode)
	}
}

func TestAPICancel(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")

	payload := uploadSample(t, fx, token, "ad.mp4", "x")
	id := payload["id"].(string)

	// Uploaded projects have nothing in flight to cancel.
	resp := fx.postJSON(t, "/api/projects/"+id+"/cancel", token, map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel uploaded status = %d, want 409", resp.StatusCode)
	}

	testsupport.AdvanceTo(t, fx.store, id, projects.StatusGenerating)
	resp = fx.postJSON(t, "/api/projects/"+id+"/cancel", token, map[string]string{})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("cancel generating status = %d, want 202", resp.StatusCode)
	}
}

func TestAPIDeliverableLifecycle(t *testing.T) {
	fx := newAPIFixture(t)
	token := fx.token(t, "owner-1")
	ctx := context.Background()

	payload := uploadSample(t, fx, token, "ad.mp4", "x")
	id := payload["id"].(string)

	// Not finished yet.
	resp := fx.do(t, http.MethodGet, "/api/projects/"+id+"/deliverable", token, nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("incomplete deliverable status = %d, want 409", resp.StatusCode)
	}

	testsupport.AdvanceTo(t, fx.store, id, projects.StatusAssembling)
	key := storage.DeliverableKey(id)
	if _, err := fx.blobs.Put(ctx, key, strings.NewReader("final-video"), -1, "video/mp4"); err != nil {
		t.Fatalf("seed deliverable: %v", err)
	}
	if err := fx.store.MarkCompleted(ctx, id, key, 7*24*time.Hour); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	resp = fx.do(t, http.MethodGet, "/api/projects/"+id+"/deliverable", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("deliverable status = %d: %s", resp.StatusCode, body)
	}
	var link map[string]any
	decodeBody(t, resp, &link)
	signed, _ := link["url"].(string)
	if signed == "" {
		t.Fatal("deliverable response missing url")
	}

	// The signed link streams the blob back without auth.
	resp = fx.do(t, http.MethodGet, signed, "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed link status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "final-video" {
		t.Errorf("signed link content = %q", data)
	}

	// Tampering with the token invalidates the link.
	resp = fx.do(t, http.MethodGet, signed+"00", "", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("tampered link status = %d, want 403", resp.StatusCode)
	}

	if _, err := fx.store.MarkExpired(ctx, id); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	resp = fx.do(t, http.MethodGet, "/api/projects/"+id+"/deliverable", token, nil, "")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("expired deliverable status = %d, want 410", resp.StatusCode)
	}
}

func TestAPIStatusIsPublic(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/status", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status Status
	decodeBody(t, resp, &status)
	if status.DatabasePath == "" {
		t.Error("status missing database path")
	}
}
