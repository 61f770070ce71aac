package http

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"braindump/internal/config"
	"braindump/internal/services"
	"braindump/internal/storage"
)

const validStructure = `{"summary":"Tre spor","categories":[
	{"title":"Marked","description":"Kunder","insights":["Småbedrifter"]},
	{"title":"Produkt","description":"Tilbud","insights":["Abonnement"]},
	{"title":"Risiko","description":"Usikkert","insights":["Konkurranse"]}]}`

type testEnv struct {
	engine          *gin.Engine
	server          *httptest.Server
	signer          *services.Signer
	token           string
	completion      atomic.Value
	transcribeFails atomic.Bool
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{}
	env.completion.Store(validStructure)

	openaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio/transcriptions":
			if env.transcribeFails.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "model overloaded", "type": "server_error"}})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"text": "hei verden"})
		case "/chat/completions":
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]string{"content": env.completion.Load().(string)}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(openaiSrv.Close)

	app := httptest.NewUnstartedServer(nil)
	cfg := config.Config{
		Port:                  "8080",
		BaseURL:               "http://" + app.Listener.Addr().String(),
		OpenAIAPIKey:          "test-key",
		OpenAIBaseURL:         openaiSrv.URL,
		OpenAIModelTranscribe: "whisper-1",
		OpenAIModelStructure:  "gpt-4o-mini",
		TranscriptionLanguage: "no",
		TranscribeTimeout:     time.Minute,
		MaxUploadBytes:        1 * 1024 * 1024,
		UploadTokenTTL:        10 * time.Minute,
		AuthSecret:            "secret",
		AuthTokenTTL:          time.Hour,
		DataDir:               t.TempDir(),
	}

	blobs, err := storage.NewBlobStore(cfg.DataDir, cfg.BlobBaseURL(), cfg.MaxUploadBytes)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	openai := services.NewOpenAIService(cfg)
	env.signer = services.NewSigner(cfg)
	api := NewAPI(Deps{
		Config:        cfg,
		Blobs:         blobs,
		Store:         store,
		Transcription: services.NewTranscriptionProxy(cfg, openai, blobs),
		Structuring:   services.NewStructuringProxy(openai),
		Signer:        env.signer,
		PDF:           services.NewPDFService(),
	})

	env.engine = gin.New()
	env.engine.Use(gin.Recovery())
	env.engine.Use(MaxBodySize(cfg.MaxUploadBytes + multipartOverhead))
	registerRoutes(env.engine, api)

	app.Config.Handler = env.engine
	app.Start()
	t.Cleanup(app.Close)
	env.server = app

	env.token = env.tokenFor("alice")
	return env
}

func (e *testEnv) tokenFor(user string) string {
	token, _ := e.signer.IssueUserToken(user)
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) uploadForm(t *testing.T, path string, audio []byte) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "memo.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write(audio)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.token)

	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if ok, exists := body["ok"].(bool); !exists || !ok {
		t.Fatalf("expected ok=true, body=%v", body)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	env := setupTestServer(t)

	if rec := env.request(t, http.MethodGet, "/api/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.request(t, http.MethodGet, "/api/sessions", env.token+"x", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with tampered token, got %d", rec.Code)
	}
}

func TestTranscribeMultipart(t *testing.T) {
	env := setupTestServer(t)

	rec := env.uploadForm(t, "/api/transcribe", []byte("audio-bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Transcription string `json:"transcription"`
		Success       bool   `json:"success"`
	}
	decodeBody(t, rec, &body)
	if !body.Success || body.Transcription != "hei verden" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTranscribeWithoutAudio(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodPost, "/api/transcribe", env.token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "No audio file provided" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestTranscribeRejectsForeignURL(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodPost, "/api/transcribe", env.token, map[string]string{"audioUrl": "http://169.254.169.254/latest"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func (e *testEnv) uploadBlob(t *testing.T) services.UploadGrant {
	t.Helper()

	rec := e.request(t, http.MethodPost, "/api/upload-audio", e.token, map[string]string{
		"pathname":    "memo.webm",
		"contentType": "audio/webm",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected grant, got %d: %s", rec.Code, rec.Body.String())
	}
	var grant services.UploadGrant
	decodeBody(t, rec, &grant)

	req, _ := http.NewRequest(http.MethodPut, grant.UploadURL, strings.NewReader("recorded-audio"))
	req.Header.Set("Content-Type", "audio/webm")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from blob upload, got %d", resp.StatusCode)
	}
	return grant
}

func TestUploadThenTranscribeByURL(t *testing.T) {
	env := setupTestServer(t)
	grant := env.uploadBlob(t)

	rec := env.request(t, http.MethodPost, "/api/transcribe", env.token, map[string]string{"audioUrl": grant.URL})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	name := strings.TrimPrefix(grant.URL, env.server.URL)
	if rec := env.request(t, http.MethodGet, name, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected blob to be removed after transcription, got %d", rec.Code)
	}
}

func TestUploadGrantValidation(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodPost, "/api/upload-audio", env.token, map[string]string{
		"pathname":    "notes.txt",
		"contentType": "text/plain",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported type, got %d", rec.Code)
	}

	grant := env.signer.SignUpload("clip.webm", "audio/webm")
	path := strings.TrimPrefix(strings.Replace(grant.UploadURL, grant.Token, "forged", 1), env.server.URL)
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader("audio"))
	out := httptest.NewRecorder()
	env.engine.ServeHTTP(out, req)
	if out.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for forged token, got %d", out.Code)
	}
}

func TestStructureHandler(t *testing.T) {
	env := setupTestServer(t)
	payload := map[string]any{
		"transcription": "vi snakket om marked og produkt",
		"sessionData":   map[string]string{"name": "Idé", "description": "Ny app", "objective": "Finne kunder"},
	}

	rec := env.request(t, http.MethodPost, "/api/structure", env.token, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(fallbackHeader) != "" {
		t.Fatalf("unexpected fallback header on valid output")
	}
	var body struct {
		Summary    string `json:"summary"`
		Categories []any  `json:"categories"`
	}
	decodeBody(t, rec, &body)
	if body.Summary != "Tre spor" || len(body.Categories) != 3 {
		t.Fatalf("unexpected result %+v", body)
	}

	env.completion.Store("dette er ikke json")
	rec = env.request(t, http.MethodPost, "/api/structure", env.token, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fallback 200, got %d", rec.Code)
	}
	if rec.Header().Get(fallbackHeader) != "true" {
		t.Fatalf("expected fallback header")
	}
	decodeBody(t, rec, &body)
	if body.Summary != services.FallbackSummary {
		t.Fatalf("expected fallback summary, got %q", body.Summary)
	}
}

func TestStructureValidation(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodPost, "/api/structure", env.token, map[string]any{
		"transcription": "  ",
		"sessionData":   map[string]string{"name": "Idé", "description": "Ny app", "objective": "Finne kunder"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank transcription, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/api/structure", env.token, map[string]any{
		"transcription": "tekst",
		"sessionData":   map[string]string{"name": "Idé"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete session data, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestServer(t)

	var structured map[string]any
	json.Unmarshal([]byte(validStructure), &structured)

	rec := env.request(t, http.MethodPost, "/api/sessions", env.token, map[string]any{
		"sessionData":      map[string]string{"name": "Idé", "description": "Ny app", "objective": "Finne kunder"},
		"structuredOutput": structured,
		"transcription":    "hei verden",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	var list []map[string]any
	decodeBody(t, env.request(t, http.MethodGet, "/api/sessions", env.token, nil), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}

	bob := env.tokenFor("bob")
	decodeBody(t, env.request(t, http.MethodGet, "/api/sessions", bob, nil), &list)
	if len(list) != 0 {
		t.Fatalf("expected sessions to be scoped per user")
	}
	if rec := env.request(t, http.MethodGet, "/api/sessions/"+created.ID, bob, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/sessions/"+created.ID+"/pdf", env.token, nil)
	if rec.Code != http.StatusOK || !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("expected pdf export, got %d", rec.Code)
	}

	if rec := env.request(t, http.MethodDelete, "/api/sessions/"+created.ID, env.token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.request(t, http.MethodGet, "/api/sessions/"+created.ID, env.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

type workflowBody struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	State struct {
		Stage         string `json:"stage"`
		Transcription *struct {
			Text string `json:"text"`
		} `json:"transcription"`
		StructuredResult *struct {
			Summary string `json:"summary"`
		} `json:"structuredResult"`
		SavedID            string `json:"savedId"`
		AudioConsumed      bool   `json:"audioConsumed"`
		TranscriptionError string `json:"transcriptionError"`
	} `json:"state"`
}

func (e *testEnv) startWorkflow(t *testing.T) string {
	t.Helper()

	var wf workflowBody
	decodeBody(t, e.request(t, http.MethodPost, "/api/workflows", e.token, nil), &wf)
	base := "/api/workflows/" + wf.ID

	rec := e.request(t, http.MethodPut, base+"/context", e.token, map[string]string{
		"name": "Idé", "description": "Ny app", "objective": "Finne kunder",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("context: %d %s", rec.Code, rec.Body.String())
	}
	return base
}

func TestWorkflowOverHTTP(t *testing.T) {
	env := setupTestServer(t)

	rec := env.request(t, http.MethodPost, "/api/workflows", env.token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var wf workflowBody
	decodeBody(t, rec, &wf)
	base := "/api/workflows/" + wf.ID

	if rec := env.request(t, http.MethodPost, base+"/transcribe", env.token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before context, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPut, base+"/context", env.token, map[string]string{
		"name": "Idé", "description": "Ny app", "objective": "Finne kunder",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("context: %d %s", rec.Code, rec.Body.String())
	}

	if rec := env.uploadForm(t, base+"/audio", []byte("audio-bytes")); rec.Code != http.StatusOK {
		t.Fatalf("audio: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, base+"/transcribe", env.token, nil)
	decodeBody(t, rec, &wf)
	if rec.Code != http.StatusOK || wf.State.Transcription == nil || wf.State.Transcription.Text != "hei verden" {
		t.Fatalf("transcribe: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, base+"/structure", env.token, nil)
	decodeBody(t, rec, &wf)
	if rec.Code != http.StatusOK || wf.State.Stage != "structuring" || wf.State.StructuredResult == nil {
		t.Fatalf("structure: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, base+"/save", env.token, nil)
	decodeBody(t, rec, &wf)
	if rec.Code != http.StatusOK || wf.State.SavedID == "" {
		t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.request(t, http.MethodPost, base+"/save", env.token, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate save to conflict, got %d", rec.Code)
	}
	if rec := env.request(t, http.MethodGet, "/api/sessions/"+wf.State.SavedID, env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected saved session to be readable, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPost, base+"/navigate", env.token, map[string]string{"stage": "setup"})
	decodeBody(t, rec, &wf)
	if rec.Code != http.StatusOK || wf.State.Stage != "setup" {
		t.Fatalf("navigate: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.request(t, http.MethodPost, base+"/navigate", env.token, map[string]string{"stage": "bogus"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d", rec.Code)
	}

	if rec := env.request(t, http.MethodGet, base, env.tokenFor("bob"), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected workflow to be hidden from other users, got %d", rec.Code)
	}
}

func TestWorkflowEventsStream(t *testing.T) {
	env := setupTestServer(t)

	var wf workflowBody
	decodeBody(t, env.request(t, http.MethodPost, "/api/workflows", env.token, nil), &wf)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/workflows/" + wf.ID + "/events?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Type  string `json:"type"`
		Seq   uint64 `json:"seq"`
		State struct {
			Stage string `json:"stage"`
		} `json:"state"`
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "snapshot" || msg.State.Stage != "setup" {
		t.Fatalf("expected snapshot, got %+v (%v)", msg, err)
	}

	env.request(t, http.MethodPut, "/api/workflows/"+wf.ID+"/context", env.token, map[string]string{
		"name": "Idé", "description": "Ny app", "objective": "Finne kunder",
	})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read transition: %v", err)
	}
	if msg.Type != "context_submitted" || msg.Seq != 1 || msg.State.Stage != "acquiring" {
		t.Fatalf("unexpected transition %+v", msg)
	}
}

func TestWorkflowKeepsTranscriptOfRemovedBlob(t *testing.T) {
	env := setupTestServer(t)
	base := env.startWorkflow(t)
	grant := env.uploadBlob(t)

	if rec := env.request(t, http.MethodPost, base+"/audio", env.token, map[string]string{"audioUrl": grant.URL}); rec.Code != http.StatusOK {
		t.Fatalf("audio: %d %s", rec.Code, rec.Body.String())
	}

	var wf workflowBody
	rec := env.request(t, http.MethodPost, base+"/transcribe", env.token, nil)
	decodeBody(t, rec, &wf)
	if rec.Code != http.StatusOK || !wf.State.AudioConsumed {
		t.Fatalf("transcribe: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.request(t, http.MethodPost, base+"/structure", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("structure: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.request(t, http.MethodPost, base+"/navigate", env.token, map[string]string{"stage": "transcribing"}); rec.Code != http.StatusOK {
		t.Fatalf("navigate: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodPost, base+"/transcribe", env.token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for already transcribed upload, got %d: %s", rec.Code, rec.Body.String())
	}
	wf = workflowBody{}
	decodeBody(t, rec, &wf)
	if wf.State.Transcription == nil || wf.State.Transcription.Text != "hei verden" {
		t.Fatalf("expected transcript kept, got %s", rec.Body.String())
	}
	if wf.State.StructuredResult == nil {
		t.Fatalf("expected structured result kept, got %s", rec.Body.String())
	}
}

func TestCollaboratorFailuresOverHTTP(t *testing.T) {
	env := setupTestServer(t)
	env.transcribeFails.Store(true)

	rec := env.uploadForm(t, "/api/transcribe", []byte("audio-bytes"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "Failed to transcribe audio" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if details, _ := body["details"].(string); details == "" {
		t.Fatalf("expected failure details, body=%v", body)
	}

	base := env.startWorkflow(t)
	if rec := env.uploadForm(t, base+"/audio", []byte("audio-bytes")); rec.Code != http.StatusOK {
		t.Fatalf("audio: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.request(t, http.MethodPost, base+"/transcribe", env.token, nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected workflow transcription to fail with 500, got %d", rec.Code)
	}

	env.transcribeFails.Store(false)
	if rec := env.request(t, http.MethodPost, base+"/transcribe", env.token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	env.completion.Store("ikke json")
	rec = env.request(t, http.MethodPost, base+"/structure", env.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fallback 200, got %d", rec.Code)
	}
	if rec.Header().Get(fallbackHeader) != "true" {
		t.Fatalf("expected fallback header on workflow structuring")
	}
}
