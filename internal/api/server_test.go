package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/log"
	"github.com/chisel-dev/chisel/internal/project"
)

var testSecret = bytes.Repeat([]byte("s"), 32)

// fakeProjectStore is an in-memory ProjectStore for handler tests.
type fakeProjectStore struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]*project.Project
	messages  map[uuid.UUID][]chat.Message
	files     map[uuid.UUID]chat.FileMap
	workbench map[uuid.UUID]*chat.WorkbenchState
	profiles  map[string]*project.Profile
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{
		projects:  make(map[uuid.UUID]*project.Project),
		messages:  make(map[uuid.UUID][]chat.Message),
		files:     make(map[uuid.UUID]chat.FileMap),
		workbench: make(map[uuid.UUID]*chat.WorkbenchState),
		profiles:  make(map[string]*project.Profile),
	}
}

func (s *fakeProjectStore) CreateOrTouch(_ context.Context, userID, urlID, description string) (*project.Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.UserID == userID && p.URLID == urlID {
			p.LastOpenedAt = time.Now()
			return p, true, nil
		}
	}
	p := &project.Project{
		ID:           uuid.New(),
		UserID:       userID,
		URLID:        urlID,
		Description:  description,
		LastOpenedAt: time.Now(),
		CreatedAt:    time.Now(),
	}
	s.projects[p.ID] = p
	return p, false, nil
}

func (s *fakeProjectStore) UpdateDescription(_ context.Context, userID string, projectID uuid.UUID, description string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok || p.UserID != userID {
		return nil, project.ErrNotFound
	}
	p.Description = description
	return p, nil
}

func (s *fakeProjectStore) Delete(_ context.Context, userID string, projectID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok || p.UserID != userID {
		return project.ErrNotFound
	}
	delete(s.projects, projectID)
	return nil
}

func (s *fakeProjectStore) List(_ context.Context, userID string) ([]project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []project.Project
	for _, p := range s.projects {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeProjectStore) Resolve(_ context.Context, userID, ref string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.UserID != userID {
			continue
		}
		if p.ID.String() == ref || p.URLID == ref {
			return p, nil
		}
	}
	return nil, project.ErrNotFound
}

func (s *fakeProjectStore) ReplaceMessages(_ context.Context, projectID uuid.UUID, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[projectID] = messages
	return nil
}

func (s *fakeProjectStore) Messages(_ context.Context, projectID uuid.UUID) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[projectID], nil
}

func (s *fakeProjectStore) UpsertFiles(_ context.Context, projectID uuid.UUID, files chat.FileMap) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[projectID] == nil {
		s.files[projectID] = make(chat.FileMap)
	}
	count := 0
	for path, ent := range files {
		if ent.Type != chat.DirentFile {
			continue
		}
		s.files[projectID][path] = ent
		count++
	}
	return count, nil
}

func (s *fakeProjectStore) Files(_ context.Context, projectID uuid.UUID) (chat.FileMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[projectID], nil
}

func (s *fakeProjectStore) UpsertWorkbench(_ context.Context, projectID uuid.UUID, state chat.WorkbenchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workbench[projectID] = &state
	return nil
}

func (s *fakeProjectStore) Workbench(_ context.Context, projectID uuid.UUID) (*chat.WorkbenchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workbench[projectID], nil
}

func (s *fakeProjectStore) UpsertProfile(_ context.Context, p project.Profile) (*project.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = &p
	return &p, nil
}

func newTestServer(t *testing.T, store ProjectStore) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:     log.NewNop(),
		Store:      store,
		AuthSecret: testSecret,
		RateBurst:  1000,
	})
	require.NoError(t, err)
	return srv
}

func authedRequest(method, path string, body any) *http.Request {
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+SignUserID(testSecret, "alice"))
	return req
}

func doJSON(t *testing.T, srv *Server, req *http.Request, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func createProject(t *testing.T, srv *Server, urlID string) string {
	t.Helper()
	var resp struct {
		Project struct {
			ID string `json:"id"`
		} `json:"project"`
	}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"urlId": urlID, "description": "test"}), &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	return resp.Project.ID
}

func TestServer_RequiresAuthSecret(t *testing.T) {
	_, err := NewServer(ServerConfig{Store: newFakeProjectStore(), AuthSecret: []byte("short")})
	require.Error(t, err)
}

func TestServer_UnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_TamperedTokenRejected(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer mallory."+strings.Repeat("0", 64))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_DevModeProvisionsIdentity(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:     log.NewNop(),
		Store:      newFakeProjectStore(),
		AuthSecret: testSecret,
		IsDev:      true,
		RateBurst:  1000,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var uid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == userCookieName {
			uid = c.Value
		}
	}
	require.NotEmpty(t, uid, "dev mode should set a uid cookie")
	im := &identityManager{hmacSecret: testSecret, logger: log.NewNop()}
	_, ok := im.verify(uid)
	assert.True(t, ok, "provisioned cookie must be properly signed")
}

func TestProjects_TouchIsIdempotent(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())

	var first struct {
		Project project.Project `json:"project"`
		Existed bool            `json:"existed"`
	}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"urlId": "todo-app"}), &first)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, first.Existed)

	var second struct {
		Project project.Project `json:"project"`
		Existed bool            `json:"existed"`
	}
	rec = doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"urlId": "todo-app"}), &second)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, second.Existed)
	assert.Equal(t, first.Project.ID, second.Project.ID)
}

func TestProjects_TouchRequiresURLID(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects", map[string]string{}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjects_InvalidIntent(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"urlId": "x", "intent": "explode"}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjects_UpdateAndDelete(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"projectId": id, "description": "renamed", "intent": "update"}), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var load struct {
		Project project.Project `json:"project"`
	}
	rec = doJSON(t, srv, authedRequest(http.MethodGet, "/api/projects/"+id+"/load", nil), &load)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", load.Project.Description)

	rec = doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects",
		map[string]string{"projectId": id, "intent": "delete"}), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, authedRequest(http.MethodGet, "/api/projects/"+id+"/load", nil), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjects_ForeignProjectIs404(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	req := httptest.NewRequest(http.MethodGet, "/api/projects/"+id+"/load", nil)
	req.Header.Set("Authorization", "Bearer "+SignUserID(testSecret, "mallory"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign projects must look missing, not forbidden")
}

func TestMessages_ReplaceAndRead(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	messages := []chat.Message{
		{ID: "m1", Role: chat.RoleUser, Content: "hello"},
		{ID: "m2", Role: chat.RoleAssistant, Content: "hi"},
	}
	var saved struct {
		Count int `json:"count"`
	}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects/"+id+"/messages",
		map[string]any{"messages": messages}), &saved)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, saved.Count)

	var got struct {
		Messages []chat.Message `json:"messages"`
		Count    int            `json:"count"`
	}
	rec = doJSON(t, srv, authedRequest(http.MethodGet, "/api/projects/"+id+"/messages", nil), &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, messages, got.Messages)
}

func TestMessages_MissingBodyRejected(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects/"+id+"/messages",
		map[string]any{}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFiles_FoldersExcluded(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	var saved struct {
		Count int `json:"count"`
	}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects/"+id+"/files",
		map[string]any{"files": chat.FileMap{
			"/project/src":         {Type: chat.DirentFolder},
			"/project/src/main.js": {Type: chat.DirentFile, Content: "x"},
		}}), &saved)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, saved.Count, "folder entries must not be persisted")
}

func TestWorkbench_Roundtrip(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())
	id := createProject(t, srv, "todo-app")

	wb := chat.WorkbenchState{CurrentView: "code", SelectedFile: "/project/a.js"}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/projects/"+id+"/workbench",
		map[string]any{"workbench": wb}), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Workbench *chat.WorkbenchState `json:"workbench"`
	}
	rec = doJSON(t, srv, authedRequest(http.MethodGet, "/api/projects/"+id+"/workbench", nil), &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.Workbench)
	assert.Equal(t, wb, *got.Workbench)
}

func TestProfile_Upsert(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())

	var resp struct {
		Success bool             `json:"success"`
		Profile *project.Profile `json:"profile"`
	}
	rec := doJSON(t, srv, authedRequest(http.MethodPost, "/api/user-profile",
		map[string]string{"email": "a@example.com", "displayName": "Alice"}), &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Profile)
	assert.Equal(t, "alice", resp.Profile.UserID, "profile identity must come from credentials, not the body")
}

func TestHealth_OutsideMiddleware(t *testing.T) {
	srv := newTestServer(t, newFakeProjectStore())

	// No credentials at all.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Exhaustion(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:     log.NewNop(),
		Store:      newFakeProjectStore(),
		AuthSecret: testSecret,
		RateBurst:  3,
	})
	require.NoError(t, err)

	var limited bool
	for i := 0; i < 10; i++ {
		req := authedRequest(http.MethodGet, "/api/projects", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst exhaustion should trip the limiter")
}

func TestRecovery_PanicReturns500(t *testing.T) {
	logger := log.NewNop()
	handler := recoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID_SetAndPreserved(t *testing.T) {
	handler := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "a fresh request id must be a UUID")

	want := uuid.New().String()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", want)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, want, rec.Header().Get("X-Request-ID"))
}

func TestCORS_PreflightAndOrigin(t *testing.T) {
	handler := corsMiddleware([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:9999"
	assert.Equal(t, "192.0.2.7", clientIP(req, false))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "192.0.2.7", clientIP(req, false), "proxy headers ignored unless trusted")
	assert.Equal(t, "203.0.113.5", clientIP(req, true))

	req.Header.Set("X-Real-IP", "not-an-ip")
	assert.Equal(t, "203.0.113.5", clientIP(req, true), "invalid X-Real-IP falls through")
}

func TestSignUserID_Format(t *testing.T) {
	token := SignUserID(testSecret, "alice")
	require.True(t, strings.HasPrefix(token, "alice."))

	im := &identityManager{hmacSecret: testSecret, logger: log.NewNop()}
	uid, ok := im.verify(token)
	require.True(t, ok)
	assert.Equal(t, "alice", uid)

	_, ok = im.verify(fmt.Sprintf("bob.%s", strings.TrimPrefix(token, "alice.")))
	assert.False(t, ok, "signature must not transfer between identities")
}
