package http

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/config"
	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/cscache"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/server/auth"
	authserver "github.com/pachyderm/troverepo/src/server/auth/server"
	"github.com/pachyderm/troverepo/src/server/repo/server"
)

func newTestServer(t *testing.T) (*Server, *config.Server) {
	t.Helper()
	ctx := log.Test(t)
	tmp := t.TempDir()
	cfg := &config.Server{
		ServerNames:       []string{"repo.example.com"},
		TmpDir:            filepath.Join(tmp, "tmp"),
		ChangesetCacheDir: filepath.Join(tmp, "cache"),
		BaseURI:           "http://repo.example.com/",
		UploadLimit:       1024,
	}
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.ChangesetCacheDir, 0o755))
	store := trovedb.NewMemStore()
	authz := authserver.NewAPIServer(authserver.Env{Store: store, ServerNames: cfg.ServerNames, ExternalTimeout: time.Second})
	require.NoError(t, authz.AddUser(ctx, "alice", "secret"))
	repo := server.NewAPIServer(server.Env{
		Store:    store,
		Contents: contentstore.NewFSStore(filepath.Join(tmp, "contents")),
		Cache:    cscache.NewNullCache(cfg.TmpDir),
		Auth:     authz,
		Config:   cfg,
	})
	return New(cfg, repo), cfg
}

func TestToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/rpc", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	require.Equal(t, auth.Token{User: auth.AnonymousUser, Password: auth.AnonymousUser, RemoteIP: "192.0.2.1"}, token(r))

	r.SetBasicAuth("alice", "secret")
	r.Header.Add(EntitlementHeader, "gold "+base64.StdEncoding.EncodeToString([]byte("key 1")))
	r.Header.Add(EntitlementHeader, "broken")
	require.Equal(t, auth.Token{
		User:         "alice",
		Password:     "secret",
		Entitlements: []auth.Entitlement{{Class: "gold", Key: "key 1"}},
		RemoteIP:     "192.0.2.1",
	}, token(r))
}

func TestRPC(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/rpc", strings.NewReader(`{"method": "checkVersion", "clientVersion": 42}`))
	req.SetBasicAuth("alice", "secret")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"result": [36, 37, 38, 39, 40, 41, 42]}`, rec.Body.String())

	req = httptest.NewRequest("POST", "/rpc", strings.NewReader(`{"method": "nope", "clientVersion": 42}`))
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"error": {"kind": "MethodNotSupported", "args": ["nope"]}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest("POST", "/rpc", strings.NewReader(`not json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/rpc", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUpload(t *testing.T) {
	s, cfg := newTestServer(t)
	path := filepath.Join(cfg.TmpDir, "abc"+server.UploadSuffix)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	put := func(name string, body []byte) int {
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, httptest.NewRequest("PUT", "/changeset?"+name, bytes.NewReader(body)))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, put("abc"+server.UploadSuffix, []byte("changeset")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "changeset", string(data))

	require.Equal(t, http.StatusForbidden, put("unknown"+server.UploadSuffix, []byte("x")))
	require.Equal(t, http.StatusForbidden, put("abc"+server.DownloadSuffix, []byte("x")))
	require.Equal(t, http.StatusBadRequest, put("..%2Fabc"+server.UploadSuffix, []byte("x")))
	require.Equal(t, http.StatusRequestEntityTooLarge, put("abc"+server.UploadSuffix, bytes.Repeat([]byte("x"), 2048)))
}

func TestDownload(t *testing.T) {
	s, cfg := newTestServer(t)
	cached := filepath.Join(cfg.ChangesetCacheDir, "cache-1"+server.DownloadSuffix)
	oneShot := filepath.Join(cfg.TmpDir, "tmp"+server.ContentsSuffix)
	require.NoError(t, os.WriteFile(cached, []byte("cached"), 0o644))
	require.NoError(t, os.WriteFile(oneShot, []byte("once"), 0o644))

	get := func(name string) (int, string) {
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/changeset?"+name, nil))
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		return rec.Code, string(body)
	}
	for i := 0; i < 2; i++ {
		code, body := get(filepath.Base(cached))
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "cached", body)
	}
	code, body := get(filepath.Base(oneShot))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "once", body)
	_, err := os.Stat(oneShot)
	require.True(t, os.IsNotExist(err))

	code, _ = get(filepath.Base(oneShot))
	require.Equal(t, http.StatusNotFound, code)
	code, _ = get("abc" + server.UploadSuffix)
	require.Equal(t, http.StatusForbidden, code)
}

func TestCSRF(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "http://repo.example.com/rpc", strings.NewReader(`{"method": "checkVersion", "clientVersion": 42}`))
	req.Header.Set("Origin", "http://evil.example.com")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
