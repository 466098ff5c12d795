// Package http is the HTTP face of a trove repository.  Calls arrive as JSON
// on /rpc; changesets and file contents move through /changeset.
//
// The handlers here do no authorization of their own.  They build a token
// from the request and hand it to the repository server, which decides.
package http

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/config"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/promutil"
	"github.com/pachyderm/troverepo/src/server/auth"
	"github.com/pachyderm/troverepo/src/server/repo/server"
)

// EntitlementHeader carries entitlements, one "<class> <base64 key>" per
// value.
const EntitlementHeader = "X-Trove-Entitlement"

// Server is an http.Server that serves repository requests.
type Server struct {
	mux    http.Handler // For testing.
	server *http.Server // For ListenAndServe.
}

// New creates a server that dispatches calls to repo.
func New(cfg *config.Server, repo *server.APIServer) *Server {
	h := &handler{cfg: cfg, repo: repo}
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler { return CSRFWrapper(next) })
	router.Methods("POST").Path("/rpc").HandlerFunc(h.rpc)
	router.Methods("GET").Path("/changeset").HandlerFunc(h.changeset(h.download))
	router.Methods("PUT").Path("/changeset").HandlerFunc(h.changeset(h.upload))
	router.Methods("GET").Path("/metrics").Handler(promhttp.Handler())

	// Health check.
	router.Methods("GET").Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy\n")) //nolint:errcheck
	})

	return &Server{
		mux: router,
		server: &http.Server{
			Addr:    cfg.Listen,
			Handler: router,
		},
	}
}

type handler struct {
	cfg  *config.Server
	repo *server.APIServer
}

// token builds the caller's credentials from basic auth, entitlement
// headers and the peer address.  A request without credentials is
// anonymous.
func token(r *http.Request) auth.Token {
	tok := auth.Token{User: auth.AnonymousUser, Password: auth.AnonymousUser}
	if user, password, ok := r.BasicAuth(); ok {
		tok.User, tok.Password = user, password
	}
	for _, v := range r.Header.Values(EntitlementHeader) {
		class, enc, ok := strings.Cut(strings.TrimSpace(v), " ")
		if !ok {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			log.Debug(r.Context(), "ignoring malformed entitlement", zap.String("class", class), zap.Error(err))
			continue
		}
		tok.Entitlements = append(tok.Entitlements, auth.Entitlement{Class: class, Key: string(key)})
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		tok.RemoteIP = host
	} else {
		tok.RemoteIP = r.RemoteAddr
	}
	return tok
}

func (h *handler) rpc(w http.ResponseWriter, r *http.Request) {
	var req server.Request
	if err := server.DecodeRequest(r.Body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := h.repo.Call(r.Context(), token(r), &req)
	w.Header().Set("Content-Type", "application/json")
	if err := server.EncodeResponse(w, resp); err != nil {
		log.Info(r.Context(), "problem writing rpc response", zap.Error(err))
	}
}

// changesetName returns the file name in a /changeset request, which is
// the whole raw query.
func changesetName(r *http.Request) (string, bool) {
	name, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

func (h *handler) changeset(serve func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := changesetName(r)
		if !ok {
			http.Error(w, "bad changeset name", http.StatusBadRequest)
			return
		}
		serve(w, r, name)
	}
}

// download sends a generated changeset or contents file.  Cached
// changesets stay; one-shot files from the temporary directory are
// removed once sent.
func (h *handler) download(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	if !strings.HasSuffix(name, server.DownloadSuffix) && !strings.HasSuffix(name, server.ContentsSuffix) {
		http.Error(w, "not a download", http.StatusForbidden)
		return
	}
	var path string
	var oneShot bool
	for i, dir := range []string{h.cfg.ChangesetCacheDir, h.cfg.TmpDir} {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			path, oneShot = p, i == 1
			break
		}
	}
	if path == "" {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Info(ctx, "problem closing download", zap.String("path", path), zap.Error(err))
		}
		if oneShot {
			if err := os.Remove(path); err != nil {
				log.Info(ctx, "problem removing download", zap.String("path", path), zap.Error(err))
			}
		}
	}()
	if fi, err := f.Stat(); err == nil {
		ctx = log.ChildLogger(ctx, "", log.WithFields(log.Size("bytes", fi.Size())))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	n, err := io.Copy(&promutil.CountingWriter{Writer: w, Counter: promutil.ChangesetBytesServed}, f)
	if err != nil {
		log.Info(ctx, "download interrupted", zap.String("name", name), zap.Int64("sent", n), zap.Error(err))
		return
	}
	log.Debug(ctx, "served download", zap.String("name", name))
}

// upload stores a changeset for a later commitChangeSet.  Only names
// handed out by prepareChangeSet are accepted.
func (h *handler) upload(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	if !strings.HasSuffix(name, server.UploadSuffix) {
		http.Error(w, "not an upload", http.StatusForbidden)
		return
	}
	path := filepath.Join(h.cfg.TmpDir, name)
	if h.cfg.UploadLimit > 0 && r.ContentLength > h.cfg.UploadLimit {
		http.Error(w, "changeset too large", http.StatusRequestEntityTooLarge)
		return
	}
	// prepareChangeSet created the file; refuse names it did not.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		http.Error(w, "unknown upload", http.StatusForbidden)
		return
	}
	var body io.Reader = r.Body
	if h.cfg.UploadLimit > 0 {
		body = http.MaxBytesReader(w, r.Body, h.cfg.UploadLimit)
	}
	n, err := io.Copy(f, &promutil.CountingReader{Reader: body, Counter: promutil.ChangesetBytesReceived})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Info(ctx, "upload failed", zap.String("name", name), zap.Int64("received", n), zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "changeset too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	log.Debug(ctx, "received upload", zap.String("name", name), log.Size("bytes", n))
	w.WriteHeader(http.StatusOK)
}

// CSRFWrapper is an http.Handler that provides CSRF protection to the underlying handler.
func CSRFWrapper(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil {
				origin = "error(origin): " + err.Error()
			} else if u.Host == "" {
				origin = "error(origin): no host"
			} else {
				origin = u.Host
			}
		} else if ref := r.Header.Get("referer"); ref != "" {
			u, err := url.Parse(ref)
			if err != nil {
				origin = "error(referer): " + err.Error() // We must deny in this case.
			} else if u.Host == "" {
				origin = "error(referer): no host"
			} else {
				origin = u.Host
			}
		}
		if origin == "" {
			// repository clients send neither header
			h.ServeHTTP(w, r)
			return
		}
		if origin != r.Host {
			log.Info(r.Context(), "csrf: origin/host mismatch; deny", zap.String("resolved_origin", origin), zap.String("host", r.Host))
			http.Error(w, "csrf: origin/host mismatch", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// ListenAndServe begins serving the server, and returns when the context is canceled or the server
// dies on its own.
func (h *Server) ListenAndServe(ctx context.Context) error {
	log.AddLoggerToHTTPServer(ctx, "troverepo", h.server)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		log.Info(ctx, "terminating repository http server", zap.Error(context.Cause(ctx)))
		return errors.EnsureStack(h.server.Shutdown(context.WithoutCancel(ctx)))
	case err := <-errCh:
		return errors.EnsureStack(err)
	}
}
