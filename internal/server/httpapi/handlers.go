package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/hawk"
	"github.com/stelehq/stele/internal/model"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if negotiate(r.Header.Get("Accept")) != formatJSON {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Meta())
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	if negotiate(r.Header.Get("Accept")) != formatJSON {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	// Anonymous callers see only public posts.
	posts, err := s.posts.List(r.Context(), p.via == viaAnonymous, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.via != viaHeader {
		s.writeError(w, r, errAuthRequired)
		return
	}

	post, err := s.readPost(w, r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created, credLink, err := s.posts.Create(r.Context(), post)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if credLink != nil {
		w.Header().Add("Link", fmt.Sprintf("<%s>; rel=%q", credLink.URL, credLink.Type))
	}
	w.Header().Set("Location", s.cfg.PostsURL()+"/"+created.ID)
	setETag(w, created)
	writeJSON(w, http.StatusCreated, created)
}

// readPost decodes the request body into a post. A multipart body carries
// the post document in a "post" field plus any number of file parts, which
// are stored and attached. A plain JSON body is checked against the payload
// hash claimed in the Authorization header, if any.
func (s *Server) readPost(w http.ResponseWriter, r *http.Request, p principal) (*model.Post, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if strings.HasPrefix(mediaType, "multipart/") {
		return s.readMultipartPost(w, r)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", errs.ErrInvalid)
	}
	if err := hawk.VerifyPayloadHash(p.cred, p.artifacts, contentType, body); err != nil {
		return nil, err
	}
	var post model.Post
	if err := json.Unmarshal(body, &post); err != nil {
		return nil, fmt.Errorf("decode post: %w", errs.ErrInvalid)
	}
	return &post, nil
}

func (s *Server) readMultipartPost(w http.ResponseWriter, r *http.Request) (*model.Post, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("parse multipart: %w", errs.ErrInvalid)
	}
	defer r.MultipartForm.RemoveAll()

	raw := r.MultipartForm.Value["post"]
	if len(raw) == 0 {
		return nil, fmt.Errorf("multipart body without post field: %w", errs.ErrInvalid)
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw[0]), &post); err != nil {
		return nil, fmt.Errorf("decode post: %w", errs.ErrInvalid)
	}

	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("open upload %s: %w", fh.Filename, errs.ErrInvalid)
			}
			att, err := s.posts.SaveAttachment(r.Context(), f, fh.Filename, fh.Header.Get("Content-Type"))
			f.Close()
			if err != nil {
				return nil, err
			}
			post.Attachments = append(post.Attachments, att)
		}
	}
	return &post, nil
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	if negotiate(r.Header.Get("Accept")) != formatJSON {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	p, err := s.authenticate(w, r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	post, err := s.posts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.canRead(post) {
		s.writeError(w, r, errAuthRequired)
		return
	}
	setETag(w, post)
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handlePatchPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.via != viaHeader {
		s.writeError(w, r, errAuthRequired)
		return
	}
	ifMatch := parseIfMatch(r)
	if ifMatch == "" {
		s.writeError(w, r, errPreconditionRequired)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read body: %w", errs.ErrInvalid))
		return
	}
	if err := hawk.VerifyPayloadHash(p.cred, p.artifacts, r.Header.Get("Content-Type"), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var updates map[string]any
	if err := json.Unmarshal(body, &updates); err != nil {
		s.writeError(w, r, fmt.Errorf("decode updates: %w", errs.ErrInvalid))
		return
	}

	updated, err := s.posts.Update(r.Context(), r.PathValue("id"), ifMatch, updates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	setETag(w, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.via != viaHeader {
		s.writeError(w, r, errAuthRequired)
		return
	}
	ifMatch := parseIfMatch(r)
	if ifMatch == "" {
		s.writeError(w, r, errPreconditionRequired)
		return
	}

	if err := s.posts.Delete(r.Context(), r.PathValue("id"), ifMatch); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPostAttachment(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	att, post, f, err := s.posts.OpenPostAttachment(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	if !p.canRead(post) {
		s.writeError(w, r, errAuthRequired)
		return
	}
	serveBlob(w, att, f)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	att, post, f, err := s.posts.OpenAttachment(r.Context(), r.PathValue("digest"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	if !p.canRead(post) {
		s.writeError(w, r, errAuthRequired)
		return
	}
	serveBlob(w, att, f)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(w, r, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.via != viaHeader {
		s.writeError(w, r, errAuthRequired)
		return
	}

	if err := s.posts.DeleteAttachment(r.Context(), r.PathValue("digest")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func serveBlob(w http.ResponseWriter, att model.Attachment, f io.Reader) {
	w.Header().Set("Content-Type", att.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("ETag", `"`+att.Digest+`"`)
	_, _ = io.Copy(w, f)
}

// setETag exposes the post's version id as its ETag.
func setETag(w http.ResponseWriter, post *model.Post) {
	if post.Version != nil && post.Version.ID != "" {
		w.Header().Set("ETag", `"`+post.Version.ID+`"`)
	}
}

// parseIfMatch returns the version id from an If-Match header, tolerating
// quoted and weak forms.
func parseIfMatch(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
