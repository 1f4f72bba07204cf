package api

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaintWyss/ragcore/ask"
	"github.com/SaintWyss/ragcore/config"
	"github.com/SaintWyss/ragcore/connector"
	"github.com/SaintWyss/ragcore/ingest"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/policy"
	"github.com/SaintWyss/ragcore/security"
	"github.com/SaintWyss/ragcore/storage"
)

type fakeAsk struct {
	lastInput ask.Input
	result    *ask.Result
	err       error
}

func (f *fakeAsk) Ask(_ context.Context, in ask.Input) (*ask.Result, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeAsk) Search(_ context.Context, in ask.Input) ([]model.SearchHit, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return nil, nil
	}
	return f.result.Chunks, nil
}

type fakeDocs struct {
	docs     map[string]*model.Document // key ws/id
	statuses map[string]model.DocumentStatus
	deleted  []string
	saved    []*model.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[string]*model.Document{}, statuses: map[string]model.DocumentStatus{}}
}

func (f *fakeDocs) key(ws, id string) string { return ws + "/" + id }

func (f *fakeDocs) SaveDocument(_ context.Context, doc *model.Document) error {
	f.docs[f.key(doc.WorkspaceID, doc.ID)] = doc
	f.saved = append(f.saved, doc)
	return nil
}

func (f *fakeDocs) DocumentByID(_ context.Context, ws, id string) (*model.Document, error) {
	return f.docs[f.key(ws, id)], nil
}

func (f *fakeDocs) DeleteDocument(_ context.Context, ws, id string) error {
	delete(f.docs, f.key(ws, id))
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDocs) TransitionStatus(_ context.Context, ws, id string, from []model.DocumentStatus, to model.DocumentStatus, _ string) (bool, error) {
	current := f.statuses[f.key(ws, id)]
	for _, s := range from {
		if current == s {
			f.statuses[f.key(ws, id)] = to
			return true, nil
		}
	}
	return false, nil
}

type fakeEnqueue struct{ jobs []string }

func (f *fakeEnqueue) Enqueue(_ context.Context, ws, doc string) error {
	f.jobs = append(f.jobs, ws+"/"+doc)
	return nil
}

type fakeAudit struct{ events []*model.AuditEvent }

func (f *fakeAudit) RecordAudit(_ context.Context, e *model.AuditEvent) {
	f.events = append(f.events, e)
}

type fakeExchange struct {
	refresh string
	email   string
	err     error
}

func (f *fakeExchange) ExchangeCode(context.Context, string) (string, string, error) {
	return f.refresh, f.email, f.err
}

type fakeAccounts struct{ saved []*model.ConnectorAccount }

func (f *fakeAccounts) SaveAccount(_ context.Context, a *model.ConnectorAccount) error {
	f.saved = append(f.saved, a)
	return nil
}

type fakeSources struct{ created []*model.ConnectorSource }

func (f *fakeSources) CreateSource(_ context.Context, src *model.ConnectorSource) error {
	f.created = append(f.created, src)
	return nil
}

type fakeSyncer struct {
	stats connector.SyncStats
	err   error
	calls []string
}

func (f *fakeSyncer) Sync(_ context.Context, ws, source string) (connector.SyncStats, error) {
	f.calls = append(f.calls, ws+"/"+source)
	return f.stats, f.err
}

type apiSource struct{ workspaces map[string]*model.Workspace }

func (s *apiSource) WorkspaceByID(_ context.Context, id string) (*model.Workspace, error) {
	return s.workspaces[id], nil
}

func (s *apiSource) AclEntry(context.Context, string, string) (*model.WorkspaceAclEntry, error) {
	return nil, nil
}

type testEnv struct {
	server   *Server
	ask      *fakeAsk
	docs     *fakeDocs
	queue    *fakeEnqueue
	audit    *fakeAudit
	accounts *fakeAccounts
	syncer   *fakeSyncer
	sources  *fakeSources
	jwt      *security.JWTService
	cfg      *config.Config
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:     ":0",
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		MaxBodyBytes:   1 << 20,
		APIKeys:        map[string][]string{"svc-key": {"ingest"}, "admin-key": {"admin"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	owner := "owner-1"
	kernel := policy.NewKernel(&apiSource{workspaces: map[string]*model.Workspace{
		"ws-a": {ID: "ws-a", OwnerUserID: &owner, Visibility: model.VisibilityPrivate},
	}})

	sealer, err := security.NewTokenSealer(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	env := &testEnv{
		ask:      &fakeAsk{result: &ask.Result{Answer: "ok [S1]", Metadata: map[string]any{}}},
		docs:     newFakeDocs(),
		queue:    &fakeEnqueue{},
		audit:    &fakeAudit{},
		accounts: &fakeAccounts{},
		syncer:   &fakeSyncer{stats: connector.SyncStats{Found: 2, Created: 1, Skipped: 1}},
		sources:  &fakeSources{},
		jwt:      security.NewJWTService("0123456789abcdef0123456789abcdef", time.Hour),
		cfg:      cfg,
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	h := &Handlers{
		Ask:            env.ask,
		Kernel:         kernel,
		Docs:           env.docs,
		Blobs:          storage.NewMemoryBlobStore(),
		Queue:          env.queue,
		Audit:          env.audit,
		Parsers:        ingest.NewRegistry(),
		Accounts:       env.accounts,
		OAuth:          &fakeExchange{refresh: "refresh-token", email: "user@example.com"},
		Sealer:         sealer,
		Syncer:         env.syncer,
		Sources:        env.sources,
		MaxUploadBytes: 1 << 20,
	}
	env.server = NewServer(cfg, h, env.jwt, m, registry)
	return env
}

func (env *testEnv) ownerToken(t *testing.T) string {
	t.Helper()
	token, err := env.jwt.GenerateToken("owner-1", "owner@example.com", model.RoleEmployee)
	require.NoError(t, err)
	return token
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.server.Echo().ServeHTTP(rec, req)
	return rec
}

func jsonReq(method, path, token string, body any) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoHeaderContentType, "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

const echoHeaderContentType = "Content-Type"

func TestAskEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ask.result.Chunks = []model.SearchHit{{
		Chunk:    model.DocumentChunk{ID: "c1", DocumentID: "d1", ChunkIndex: 0, Content: "texto"},
		Document: model.Document{ID: "d1", Title: "Doc"},
	}}

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", env.ownerToken(t), map[string]any{
		"query": "hola", "top_k": 3,
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok [S1]", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "c1", resp.Sources[0].ChunkID)

	assert.Equal(t, "ws-a", env.ask.lastInput.WorkspaceID)
	assert.Equal(t, 3, env.ask.lastInput.TopK)
	require.NotNil(t, env.ask.lastInput.Actor)
	assert.Equal(t, "owner-1", env.ask.lastInput.Actor.UserID)
}

func TestAskRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", "", map[string]any{"query": "x"}))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "UNAUTHORIZED", problem.Code)
}

func TestAskErrorBecomesProblem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ask.err = model.E(model.CodeNotFound, "workspace not found")

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", env.ownerToken(t), map[string]any{"query": "x"}))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var problem Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "NOT_FOUND", problem.Code)
	assert.Equal(t, "workspace not found", problem.Detail)
	assert.Equal(t, http.StatusNotFound, problem.Status)
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ask.err = model.E(model.CodeNotFound, "workspace not found")

	req := jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", "", map[string]any{"query": "x"})
	req.Header.Set("X-API-Key", "svc-key")
	rec := env.do(req)
	// The key authenticates; the fake use case then answers 404.
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", "", map[string]any{"query": "x"})
	req.Header.Set("X-API-Key", "wrong")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ask.result.Chunks = []model.SearchHit{{
		Chunk: model.DocumentChunk{ID: "c1", DocumentID: "d1", Content: "texto"},
		Score: 0.42,
	}}

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/search", env.ownerToken(t), map[string]any{"query": "hola"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Matches []matchView `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "c1", resp.Matches[0].ChunkID)
	assert.Equal(t, 0.42, resp.Matches[0].Score)
}

func multipartUpload(t *testing.T, token, filename, contentType, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("title", "Informe"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-a/documents/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(multipartUpload(t, env.ownerToken(t), "notas.txt", "text/plain", "hola mundo"))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, env.docs.saved, 1)
	doc := env.docs.saved[0]
	assert.Equal(t, "ws-a", doc.WorkspaceID)
	assert.Equal(t, "Informe", doc.Title)
	assert.Equal(t, "text/plain", doc.MimeType)
	assert.Equal(t, model.StatusPending, doc.Status)
	assert.NotEmpty(t, doc.ContentHash)
	assert.Equal(t, "ws-a/"+doc.ID, doc.StorageKey)
	assert.Equal(t, []string{"ws-a/" + doc.ID}, env.queue.jobs)
	require.Len(t, env.audit.events, 1)
	assert.Equal(t, "document.upload", env.audit.events[0].Action)
}

func TestUploadUnsupportedMedia(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(multipartUpload(t, env.ownerToken(t), "imagen.png", "image/png", "not really a png"))

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	var problem Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "UNSUPPORTED_MEDIA", problem.Code)
	assert.Empty(t, env.docs.saved)
}

func TestUploadForbiddenForStranger(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := env.jwt.GenerateToken("stranger", "s@example.com", model.RoleEmployee)
	require.NoError(t, err)

	rec := env.do(multipartUpload(t, token, "notas.txt", "text/plain", "hola"))

	// A private workspace never confirms its existence to outsiders.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReprocess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.docs.docs["ws-a/d1"] = &model.Document{ID: "d1", WorkspaceID: "ws-a", Status: model.StatusFailed}
	env.docs.statuses["ws-a/d1"] = model.StatusFailed

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/documents/d1/reprocess", env.ownerToken(t), nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"ws-a/d1"}, env.queue.jobs)
	assert.Equal(t, model.StatusPending, env.docs.statuses["ws-a/d1"])
}

func TestReprocessConflictWhileProcessing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.docs.docs["ws-a/d1"] = &model.Document{ID: "d1", WorkspaceID: "ws-a", Status: model.StatusProcessing}
	env.docs.statuses["ws-a/d1"] = model.StatusProcessing

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/documents/d1/reprocess", env.ownerToken(t), nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.queue.jobs)
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	env.docs.docs["ws-a/d1"] = &model.Document{ID: "d1", WorkspaceID: "ws-a"}

	rec := env.do(jsonReq(http.MethodDelete, "/v1/workspaces/ws-a/documents/d1", env.ownerToken(t), nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"d1"}, env.docs.deleted)

	rec = env.do(jsonReq(http.MethodDelete, "/v1/workspaces/ws-a/documents/d1", env.ownerToken(t), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	state := `{"workspace_id":"ws-a","provider":"drive"}`

	rec := env.do(jsonReq(http.MethodGet,
		"/v1/workspaces/ws-a/connectors/oauth/callback?code=abc&state="+strings.ReplaceAll(state, `"`, "%22"),
		env.ownerToken(t), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.accounts.saved, 1)
	acct := env.accounts.saved[0]
	assert.Equal(t, "drive", acct.Provider)
	assert.Equal(t, "user@example.com", acct.AccountEmail)
	assert.NotEqual(t, "refresh-token", acct.EncryptedRefreshToken)
}

func TestOAuthCallbackStateMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	state := `{"workspace_id":"ws-other","provider":"drive"}`

	rec := env.do(jsonReq(http.MethodGet,
		"/v1/workspaces/ws-a/connectors/oauth/callback?code=abc&state="+strings.ReplaceAll(state, `"`, "%22"),
		env.ownerToken(t), nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.accounts.saved)
}

func TestCreateSource(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/connectors/sources", env.ownerToken(t), map[string]any{
		"provider": "drive", "folder_id": "folder-9",
	}))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, env.sources.created, 1)
	src := env.sources.created[0]
	assert.Equal(t, "drive", src.Provider)
	assert.Equal(t, "folder-9", src.FolderID)
	assert.Equal(t, model.SourcePending, src.Status)

	rec = env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/connectors/sources", env.ownerToken(t), map[string]any{
		"provider": "drive",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/connectors/src-1/sync", env.ownerToken(t), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ws-a/src-1"}, env.syncer.calls)
	var stats connector.SyncStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Found)
	assert.Equal(t, 1, stats.Created)
}

func TestRateLimitScenario(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 2
	})
	token := env.ownerToken(t)

	first := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", token, map[string]any{"query": "x"}))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	second := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", token, map[string]any{"query": "x"}))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", token, map[string]any{"query": "x"}))
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	retryAfter := third.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.GreaterOrEqual(t, retryAfter, "1")
	assert.Equal(t, "2", third.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitSkipsProbes(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 1
	})

	for i := 0; i < 5; i++ {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestIDAssignment(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	rec = env.do(req)
	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	rec = env.do(req)
	assert.NotEqual(t, strings.Repeat("x", 200), rec.Header().Get("X-Request-Id"))
}

func TestBodyCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxBodyBytes = 64
	})

	big := strings.Repeat("a", 200)
	rec := env.do(jsonReq(http.MethodPost, "/v1/workspaces/ws-a/ask", env.ownerToken(t), map[string]any{"query": big}))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBodyCapChunkedTransfer(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxBodyBytes = 64
	})

	raw, err := json.Marshal(map[string]any{"query": strings.Repeat("a", 200)})
	require.NoError(t, err)
	// An io.Reader of unknown size leaves Content-Length unset, so the cap
	// only trips while the body streams through bind.
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-a/ask", io.MultiReader(bytes.NewReader(raw)))
	req.Header.Set(echoHeaderContentType, "application/json")
	req.Header.Set("Authorization", "Bearer "+env.ownerToken(t))

	rec := env.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", problem["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragcore_")
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}
