package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stelehq/stele/internal/attachments"
	"github.com/stelehq/stele/internal/config"
	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/hawk"
	"github.com/stelehq/stele/internal/model"
	"github.com/stelehq/stele/internal/server/httpapi"
	"github.com/stelehq/stele/internal/service"
)

// fakeRepo is an in-memory PostRepository for wiring the full handler chain.
type fakeRepo struct {
	posts map[string]*model.Post
}

func newFakeRepo() *fakeRepo { return &fakeRepo{posts: map[string]*model.Post{}} }

func (f *fakeRepo) Insert(_ context.Context, post *model.Post) error {
	if _, ok := f.posts[post.ID]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *post
	f.posts[post.ID] = &cp
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (*model.Post, error) {
	p, ok := f.posts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) List(_ context.Context, onlyPublic bool, limit, offset int) ([]model.Post, error) {
	var out []model.Post
	for _, p := range f.posts {
		if onlyPublic && !p.IsPublic() {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeRepo) Update(_ context.Context, id, baseVersion string, updates map[string]any) (*model.Post, error) {
	p, ok := f.posts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if p.Version == nil || p.Version.ID != baseVersion {
		return nil, errs.ErrVersionConflict
	}
	if c, ok := updates["content"].(map[string]any); ok {
		p.Content = c
	}
	if v, ok := updates["version"].(*model.Version); ok {
		p.Version = v
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) Delete(_ context.Context, id, baseVersion string) error {
	p, ok := f.posts[id]
	if !ok {
		return errs.ErrNotFound
	}
	if p.Version == nil || p.Version.ID != baseVersion {
		return errs.ErrVersionConflict
	}
	delete(f.posts, id)
	return nil
}

func (f *fakeRepo) FindByAttachmentDigest(_ context.Context, d string) (*model.Post, error) {
	for _, p := range f.posts {
		if _, ok := p.FindAttachment(func(a model.Attachment) bool { return a.Digest == d }); ok {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

// fakeLimiter records calls and optionally blocks everything.
type fakeLimiter struct {
	blocked  bool
	failures int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string, _ []byte) (bool, time.Duration, error) {
	if f.blocked {
		return false, 30 * time.Second, nil
	}
	return true, 0, nil
}

func (f *fakeLimiter) Success(_ context.Context, _ string, _ []byte) error { return nil }

func (f *fakeLimiter) Failure(_ context.Context, _ string, _ []byte) (bool, time.Duration, error) {
	f.failures++
	return false, 0, nil
}

type testEnv struct {
	h    http.Handler
	repo *fakeRepo
	cfg  *config.Config
	lim  *fakeLimiter
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Entity: "https://example.com",
		RootCredentials: config.RootCredential{
			Key:       "root-secret",
			Algorithm: string(model.SHA256),
		},
		AttachmentsDir:            t.TempDir(),
		SkewSeconds:               60,
		CredentialsLinkTTLSeconds: 3600,
		MaxUploadBytes:            64 << 20,
	}
	repo := newFakeRepo()
	store, err := attachments.NewStore(cfg.AttachmentsDir)
	require.NoError(t, err)

	posts := service.NewPostService(repo, store, cfg)
	creds := service.NewCredentialService(repo, cfg.Root())
	hawkSrv := hawk.NewServer(creds.Resolve, hawk.ServerConfig{
		Skew:       cfg.Skew(),
		CheckNonce: hawk.NewMemoryNonceCache(2 * cfg.Skew()).Check,
	})
	lim := &fakeLimiter{}

	srv := httpapi.New(posts, hawkSrv, lim, cfg, zap.NewNop())
	return &testEnv{h: srv.Routes(), repo: repo, cfg: cfg, lim: lim}
}

func (e *testEnv) root() model.Credential { return e.cfg.Root() }

// signed builds a request carrying a valid MAC header for cred.
func signed(t *testing.T, cred model.Credential, method, path string, body []byte, contentType string) *http.Request {
	t.Helper()
	rawURL := "https://example.com" + path
	opt := hawk.RequestOptions{ContentType: contentType, Payload: body}
	header, _, err := hawk.RequestHeader(cred, method, rawURL, opt)
	require.NoError(t, err)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, rawURL, rd)
	req.Header.Set("Authorization", header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodePost(t *testing.T, rec *httptest.ResponseRecorder) *model.Post {
	t.Helper()
	var p model.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return &p
}

func TestMeta(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "https://example.com/meta", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta model.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	require.Equal(t, "https://example.com", meta.Entity)
	require.Equal(t, "https://example.com/posts", meta.Server.URLs.PostsFeed)

	require.Contains(t, rec.Header().Get("Link"), "/meta>")
}

func TestCreatePost_RequiresAuth(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/note"}`)
	rec := e.do(httptest.NewRequest(http.MethodPost, "https://example.com/posts", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Hawk", rec.Header().Get("WWW-Authenticate"))
}

func TestCreateAndGetPost(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/note","content":{"text":"hi"}}`)
	rec := e.do(signed(t, e.root(), http.MethodPost, "/posts", body, "application/json"))
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodePost(t, rec)
	require.NotEmpty(t, created.ID)
	require.Equal(t, `"`+created.Version.ID+`"`, rec.Header().Get("ETag"))
	require.Equal(t, "https://example.com/posts/"+created.ID, rec.Header().Get("Location"))

	rec = e.do(signed(t, e.root(), http.MethodGet, "/posts/"+created.ID, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hi", decodePost(t, rec).Content["text"])
}

func TestCreatePost_TamperedPayloadRejected(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/note"}`)
	req := signed(t, e.root(), http.MethodPost, "/posts", body, "application/json")
	// The header binds the original body; swap it.
	tampered := []byte(`{"entity":"https://evil.example","type":"https://example.com/types/note"}`)
	req.Body = io.NopCloser(bytes.NewReader(tampered))
	req.ContentLength = int64(len(tampered))

	rec := e.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetPost_AnonymousPublicOnly(t *testing.T) {
	e := newEnv(t)
	e.repo.posts["2Dvb00"] = &model.Post{
		ID: "2Dvb00", Entity: "https://example.com", Type: "t",
		Permissions: &model.Permissions{Public: true},
		Version:     &model.Version{ID: "v1"},
	}
	e.repo.posts["2Dvb01"] = &model.Post{
		ID: "2Dvb01", Entity: "https://example.com", Type: "t",
		Version: &model.Version{ID: "v2"},
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts/2Dvb00", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts/2Dvb01", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListPosts_AnonymousSeesOnlyPublic(t *testing.T) {
	e := newEnv(t)
	e.repo.posts["2Dvb00"] = &model.Post{
		ID: "2Dvb00", Entity: "https://example.com", Type: "t",
		Permissions: &model.Permissions{Public: true},
	}
	e.repo.posts["2Dvb01"] = &model.Post{ID: "2Dvb01", Entity: "https://example.com", Type: "t"}

	rec := e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var posts []model.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posts))
	require.Len(t, posts, 1)
	require.Equal(t, "2Dvb00", posts[0].ID)

	rec = e.do(signed(t, e.root(), http.MethodGet, "/posts", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posts))
	require.Len(t, posts, 2)
}

func TestAppRegistration_CredentialsLinkAndBewit(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/app","content":{"name":"Reader"}}`)
	rec := e.do(signed(t, e.root(), http.MethodPost, "/posts", body, "application/json"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var credURL string
	for _, link := range rec.Header().Values("Link") {
		if strings.Contains(link, "credentials") {
			credURL = strings.TrimSuffix(strings.TrimPrefix(strings.SplitN(link, ";", 2)[0], "<"), ">")
		}
	}
	require.NotEmpty(t, credURL, "app registration must hand back a credentials link")
	require.Contains(t, credURL, "?bewit=")

	// The capability URL works without any Authorization header.
	rec = e.do(httptest.NewRequest(http.MethodGet, credURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cred := decodePost(t, rec)
	key, _ := cred.Content["hawk_key"].(string)
	require.Len(t, key, 128)

	// The freshly minted key signs requests.
	appCred := model.Credential{ID: cred.ID, Key: key, Algorithm: model.SHA256}
	rec = e.do(signed(t, appCred, http.MethodGet, "/posts/"+cred.ID, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBewit_Guards(t *testing.T) {
	e := newEnv(t)
	e.repo.posts["2Dvb00"] = &model.Post{ID: "2Dvb00", Entity: "https://example.com", Type: "t"}

	bewit, err := hawk.GetBewit(e.root(), "https://example.com/posts/2Dvb00", time.Hour, "", nil)
	require.NoError(t, err)

	rec := e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts/2Dvb00?bewit="+bewit, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Extra query parameters invalidate the capability.
	rec = e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts/2Dvb00?bewit="+bewit+"&x=1", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Collections never accept bewits.
	listBewit, err := hawk.GetBewit(e.root(), "https://example.com/posts", time.Hour, "", nil)
	require.NoError(t, err)
	rec = e.do(httptest.NewRequest(http.MethodGet, "https://example.com/posts?bewit="+listBewit, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPatchPost(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/note","content":{"text":"v1"}}`)
	rec := e.do(signed(t, e.root(), http.MethodPost, "/posts", body, "application/json"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodePost(t, rec)

	patch := []byte(`{"content":{"text":"v2"}}`)

	// No If-Match.
	rec = e.do(signed(t, e.root(), http.MethodPatch, "/posts/"+created.ID, patch, "application/json"))
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	// Stale If-Match.
	req := signed(t, e.root(), http.MethodPatch, "/posts/"+created.ID, patch, "application/json")
	req.Header.Set("If-Match", `"stale"`)
	rec = e.do(req)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	// Current If-Match.
	req = signed(t, e.root(), http.MethodPatch, "/posts/"+created.ID, patch, "application/json")
	req.Header.Set("If-Match", `"`+created.Version.ID+`"`)
	rec = e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodePost(t, rec)
	require.Equal(t, "v2", updated.Content["text"])
	require.NotEqual(t, created.Version.ID, updated.Version.ID)
	require.Equal(t, `"`+updated.Version.ID+`"`, rec.Header().Get("ETag"))
}

func TestDeletePost(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"entity":"https://example.com","type":"https://example.com/types/note"}`)
	rec := e.do(signed(t, e.root(), http.MethodPost, "/posts", body, "application/json"))
	created := decodePost(t, rec)

	req := signed(t, e.root(), http.MethodDelete, "/posts/"+created.ID, nil, "")
	req.Header.Set("If-Match", `"`+created.Version.ID+`"`)
	rec = e.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(signed(t, e.root(), http.MethodGet, "/posts/"+created.ID, nil, ""))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMultipartCreate_AndAttachmentFetch(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("post", `{"entity":"https://example.com","type":"https://example.com/types/photo"}`))
	fw, err := mw.CreateFormFile("attachments", "cat.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := signed(t, e.root(), http.MethodPost, "/posts", nil, "")
	req.Body = io.NopCloser(&buf)
	req.ContentLength = int64(buf.Len())
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodePost(t, rec)
	require.Len(t, created.Attachments, 1)
	att := created.Attachments[0]
	require.Equal(t, "cat.png", att.Name)

	// Fetch by post id and name.
	rec = e.do(signed(t, e.root(), http.MethodGet, "/posts/"+created.ID+"/cat.png", nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "png bytes", rec.Body.String())

	// Fetch by digest.
	rec = e.do(signed(t, e.root(), http.MethodGet, "/attachments/"+att.Digest, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `"`+att.Digest+`"`, rec.Header().Get("ETag"))

	// Deleting a referenced blob is refused.
	rec = e.do(signed(t, e.root(), http.MethodDelete, "/attachments/"+att.Digest, nil, ""))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	e := newEnv(t)
	e.lim.blocked = true

	rec := e.do(signed(t, e.root(), http.MethodGet, "/posts", nil, ""))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiter_RecordsBadMac(t *testing.T) {
	e := newEnv(t)

	bad := model.Credential{ID: "root", Key: "wrong-key", Algorithm: model.SHA256}
	rec := e.do(signed(t, bad, http.MethodGet, "/posts", nil, ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 1, e.lim.failures)
}

func TestNotAcceptable(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/posts", nil)
	req.Header.Set("Accept", "text/html")
	rec := e.do(req)
	require.Equal(t, http.StatusNotAcceptable, rec.Code)
}
