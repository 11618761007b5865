package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"metagraph/api/internal/auth"
	"metagraph/api/internal/config"
	"metagraph/api/internal/files"
	"metagraph/api/internal/graph"
	"metagraph/api/internal/permission"
	"metagraph/api/internal/search"
	"metagraph/api/internal/store"
)

const (
	alice = "alice"
	bob   = "bob"
)

type testEnv struct {
	t       *testing.T
	cfg     config.Config
	store   *store.MemoryStore
	blobs   *files.MemoryBlobs
	grants  *permission.RedisGrants
	service *Service
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	redisServer := miniredis.RunT(t)
	grants, err := permission.NewRedisGrants("redis://"+redisServer.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = grants.Close() })
	return newTestEnvWithGrants(t, grants, grants)
}

func newTestEnvWithGrants(t *testing.T, grants *permission.RedisGrants, health Pinger) *testEnv {
	t.Helper()
	cfg := config.Config{JWTSecret: "test-secret"}
	st := store.NewMemoryStore()
	blobs := files.NewMemoryBlobs()
	fileService := files.NewService(blobs, zerolog.Nop())
	engine := graph.New(grants, fileService, zerolog.Nop())
	searchService := search.NewService(nil, search.NewFullText(st), zerolog.Nop())
	svc := New(cfg, st, engine, grants, fileService, searchService, map[string]Pinger{"permissions": health}, zerolog.Nop())
	return &testEnv{
		t:       t,
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		grants:  grants,
		service: svc,
		handler: NewHTTPServer(svc, "*", zerolog.Nop()).Handler(),
	}
}

func (e *testEnv) token(user string) string {
	e.t.Helper()
	token, err := auth.IssueToken([]byte(e.cfg.JWTSecret), user, user, time.Hour)
	require.NoError(e.t, err)
	return token
}

// do sends body as JSON (strings are sent verbatim) on behalf of user. An
// empty user sends no token.
func (e *testEnv) do(user, method, path string, body any) (int, map[string]any) {
	e.t.Helper()
	var reader *bytes.Reader
	switch body := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(body))
	default:
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(user))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	}
	return rr.Code, payload
}

func (e *testEnv) mustDo(user, method, path string, body any) map[string]any {
	e.t.Helper()
	status, payload := e.do(user, method, path, body)
	require.Equal(e.t, http.StatusOK, status, "%s %s: %v", method, path, payload)
	return payload
}

// list GETs path on behalf of user and decodes a JSON array response.
func (e *testEnv) list(user, path string) []any {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+e.token(user))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	require.Equal(e.t, http.StatusOK, rr.Code, "GET %s: %s", path, rr.Body.String())

	var items []any
	require.NoError(e.t, json.Unmarshal(rr.Body.Bytes(), &items), "body=%s", rr.Body.String())
	return items
}

func (e *testEnv) create(user, collection string, body any) string {
	e.t.Helper()
	payload := e.mustDo(user, http.MethodPost, "/api/"+collection, body)
	uuid, _ := payload["uuid"].(string)
	require.NotEmpty(e.t, uuid)
	return uuid
}

func (e *testEnv) persist(user, collection, uuid string) string {
	e.t.Helper()
	base := "/api/" + collection + "/" + uuid
	lastUpdate := e.mustDo(user, http.MethodGet, base+"/last_update", nil)["last_update"]
	payload := e.mustDo(user, http.MethodPost, base+"/persist", map[string]any{"last_update": lastUpdate})
	versionID, _ := payload["version_id"].(string)
	require.NotEmpty(e.t, versionID)
	return versionID
}

type failingPinger struct{ err error }

func (f failingPinger) Ping(context.Context) error { return f.err }
