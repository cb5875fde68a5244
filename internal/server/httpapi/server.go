// Package httpapi exposes the post store over HTTP: the posts feed, single
// posts, attachments and the meta document, authenticated per request with a
// MAC header or a bewit token.
package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/stelehq/stele/internal/config"
	"github.com/stelehq/stele/internal/hawk"
	"github.com/stelehq/stele/internal/limiter"
	"github.com/stelehq/stele/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	posts   service.PostService
	hawk    *hawk.Server
	limiter limiter.Limiter
	cfg     *config.Config
	log     *zap.Logger
}

// New constructs an HTTP server with injected services. limiter may be nil,
// in which case authentication failures are not rate limited.
func New(posts service.PostService, hawkSrv *hawk.Server, lim limiter.Limiter, cfg *config.Config, log *zap.Logger) *Server {
	return &Server{posts: posts, hawk: hawkSrv, limiter: lim, cfg: cfg, log: log}
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /meta", s.handleMeta)

	mux.HandleFunc("GET /posts", s.handleListPosts)
	mux.HandleFunc("POST /posts", s.handleCreatePost)
	mux.HandleFunc("GET /posts/{id}", s.handleGetPost)
	mux.HandleFunc("PATCH /posts/{id}", s.handlePatchPost)
	mux.HandleFunc("DELETE /posts/{id}", s.handleDeletePost)
	mux.HandleFunc("GET /posts/{id}/{name}", s.handleGetPostAttachment)

	mux.HandleFunc("GET /attachments/{digest}", s.handleGetAttachment)
	mux.HandleFunc("DELETE /attachments/{digest}", s.handleDeleteAttachment)

	var h http.Handler = mux
	h = s.metaLink(h)
	h = Logging(s.log)(h)
	h = Recover(s.log)(h)
	return h
}

// metaLink advertises the meta document on every response, so a client can
// discover the server's endpoints from any URL it holds.
func (s *Server) metaLink(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", `<`+s.cfg.Entity+`/meta>; rel="meta"`)
		next.ServeHTTP(w, r)
	})
}
