package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stelehq/stele/internal/attachments"
	"github.com/stelehq/stele/internal/config"
	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/hawk"
	"github.com/stelehq/stele/internal/model"
	"github.com/stelehq/stele/internal/newbase60"
	"github.com/stelehq/stele/internal/repository"
)

// credentialKeyBytes is the entropy of a provisioned signing key.
const credentialKeyBytes = 64

// CredentialLink points a freshly registered app at its credentials post.
// The URL carries a time-limited bewit so the key itself never travels in a
// response header.
type CredentialLink struct {
	PostID string
	URL    string
	Type   string
}

// PostService defines the post lifecycle: creation with versioning and
// credential provisioning, optimistic-concurrency updates and deletes, and
// attachment handling.
type PostService interface {
	// Create versions and persists a new post. For app posts it also
	// provisions a credentials post and returns the link to hand back.
	Create(ctx context.Context, post *model.Post) (*model.Post, *CredentialLink, error)
	// Get returns a post by id.
	Get(ctx context.Context, id string) (*model.Post, error)
	// List returns posts, optionally restricted to public ones.
	List(ctx context.Context, onlyPublic bool, limit, offset int) ([]model.Post, error)
	// Update applies a shallow patch guarded by the current version id.
	Update(ctx context.Context, id, ifMatch string, updates map[string]any) (*model.Post, error)
	// Delete removes a post guarded by the current version id.
	Delete(ctx context.Context, id, ifMatch string) error

	// SaveAttachment stores an uploaded blob content-addressably.
	SaveAttachment(ctx context.Context, r io.Reader, name, contentType string) (model.Attachment, error)
	// OpenAttachment returns an attachment, its owning post and its content.
	OpenAttachment(ctx context.Context, digest string) (model.Attachment, *model.Post, *os.File, error)
	// OpenPostAttachment finds an attachment on a post by file name.
	OpenPostAttachment(ctx context.Context, postID, name string) (model.Attachment, *model.Post, *os.File, error)
	// DeleteAttachment unlinks a blob unless a post still references it.
	DeleteAttachment(ctx context.Context, digest string) error
}

type PostServiceImpl struct {
	repo  repository.PostRepository
	store *attachments.Store
	cfg   *config.Config
	now   func() time.Time
}

// NewPostService constructs PostService with required dependencies.
func NewPostService(repo repository.PostRepository, store *attachments.Store, cfg *config.Config) *PostServiceImpl {
	return &PostServiceImpl{repo: repo, store: store, cfg: cfg, now: time.Now}
}

func (s *PostServiceImpl) appType() string         { return s.cfg.TypesURL() + "/app" }
func (s *PostServiceImpl) credentialsType() string { return s.cfg.TypesURL() + "/credentials" }

// Create runs the insert pipeline: validate, version, (provision), persist.
// The credentials post for an app registration exists before the caller's
// response is sent; if the app post itself cannot be persisted the
// credentials post is rolled back.
func (s *PostServiceImpl) Create(ctx context.Context, post *model.Post) (*model.Post, *CredentialLink, error) {
	if err := validateNewPost(post); err != nil {
		return nil, nil, err
	}
	now := s.now()
	if err := s.prepare(post, now); err != nil {
		return nil, nil, err
	}

	var link *CredentialLink
	var credPost *model.Post
	if post.Type == s.appType() {
		var err error
		credPost, link, err = s.provisionCredentials(ctx, post, now)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := s.repo.Insert(ctx, post); err != nil {
		if credPost != nil {
			// Roll the saga back: the app post never materialized, so its
			// credentials must not survive either.
			if delErr := s.repo.Delete(ctx, credPost.ID, credPost.Version.ID); delErr != nil {
				return nil, nil, fmt.Errorf("insert app post: %v; rollback credentials %s: %v: %w",
					err, credPost.ID, delErr, errs.ErrLinkFailure)
			}
			return nil, nil, fmt.Errorf("insert app post: %v: %w", err, errs.ErrLinkFailure)
		}
		return nil, nil, err
	}
	return post, link, nil
}

// prepare versions the post and mints its id. The version digest covers the
// document exactly as the client sent it, minus any version sub-object;
// server-assigned fields (id, provisioning links) are not part of it.
func (s *PostServiceImpl) prepare(post *model.Post, now time.Time) error {
	post.ID = ""
	if err := applyVersion(post, now); err != nil {
		return err
	}
	if post.Type == s.credentialsType() {
		// Credentials posts are minted in bursts during registration;
		// microsecond resolution keeps their ids collision-free.
		post.ID = newbase60.Encode(uint64(now.UnixMicro()))
	} else {
		post.ID = newbase60.Encode(uint64(now.Unix()))
	}
	return nil
}

// provisionCredentials creates the credentials post for a new app and wires
// the bidirectional links. The credentials post is inserted first; the
// caller inserts the app post and compensates on failure.
func (s *PostServiceImpl) provisionCredentials(ctx context.Context, appPost *model.Post, now time.Time) (*model.Post, *CredentialLink, error) {
	key, err := generateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate credentials key: %w", err)
	}

	credPost := &model.Post{
		Entity: s.cfg.Entity,
		Type:   s.credentialsType(),
		Content: map[string]any{
			"hawk_key":       key,
			"hawk_algorithm": string(model.SHA256),
		},
		Links: []model.Link{{
			Post: appPost.ID,
			URL:  s.cfg.PostsURL() + "/" + appPost.ID,
			Type: s.appType(),
		}},
	}
	if err := s.prepare(credPost, now); err != nil {
		return nil, nil, err
	}
	if err := s.repo.Insert(ctx, credPost); err != nil {
		return nil, nil, fmt.Errorf("insert credentials post: %v: %w", err, errs.ErrLinkFailure)
	}

	appPost.Links = append(appPost.Links, model.Link{
		Post: credPost.ID,
		URL:  s.cfg.PostsURL() + "/" + credPost.ID,
		Type: s.credentialsType(),
	})

	credURL := s.cfg.PostsURL() + "/" + credPost.ID
	bewit, err := hawk.GetBewit(s.cfg.Root(), credURL, s.cfg.CredentialsLinkTTL(), "", s.now)
	if err != nil {
		if delErr := s.repo.Delete(ctx, credPost.ID, credPost.Version.ID); delErr != nil {
			return nil, nil, fmt.Errorf("mint credentials bewit: %v; rollback %s: %v: %w",
				err, credPost.ID, delErr, errs.ErrLinkFailure)
		}
		return nil, nil, fmt.Errorf("mint credentials bewit: %v: %w", err, errs.ErrLinkFailure)
	}

	return credPost, &CredentialLink{
		PostID: credPost.ID,
		URL:    credURL + "?bewit=" + bewit,
		Type:   s.credentialsType(),
	}, nil
}

// Get fetches a single post by id.
func (s *PostServiceImpl) Get(ctx context.Context, id string) (*model.Post, error) {
	if !newbase60.IsValid(id) {
		return nil, errs.ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns posts newest first.
func (s *PostServiceImpl) List(ctx context.Context, onlyPublic bool, limit, offset int) ([]model.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, onlyPublic, limit, offset)
}

// Update versions the prospective merged document and persists the patch
// atomically with the new version record.
func (s *PostServiceImpl) Update(ctx context.Context, id, ifMatch string, updates map[string]any) (*model.Post, error) {
	if ifMatch == "" {
		return nil, fmt.Errorf("missing If-Match: %w", errs.ErrVersionConflict)
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("empty update: %w", errs.ErrInvalid)
	}
	for _, immutable := range []string{"_id", "entity", "type"} {
		if _, ok := updates[immutable]; ok {
			return nil, fmt.Errorf("%s is immutable: %w", immutable, errs.ErrInvalid)
		}
	}

	original, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Version == nil || original.Version.ID != ifMatch {
		return nil, errs.ErrVersionConflict
	}

	version, err := nextVersion(original, updates, s.now())
	if err != nil {
		return nil, err
	}
	updates["version"] = version

	return s.repo.Update(ctx, id, ifMatch, updates)
}

// Delete removes a post guarded by its current version id.
func (s *PostServiceImpl) Delete(ctx context.Context, id, ifMatch string) error {
	if ifMatch == "" {
		return fmt.Errorf("missing If-Match: %w", errs.ErrVersionConflict)
	}
	return s.repo.Delete(ctx, id, ifMatch)
}

// SaveAttachment streams an upload into the content-addressable store.
func (s *PostServiceImpl) SaveAttachment(ctx context.Context, r io.Reader, name, contentType string) (model.Attachment, error) {
	return s.store.Save(ctx, r, name, contentType)
}

// OpenAttachment locates the post referencing the digest and opens the blob.
func (s *PostServiceImpl) OpenAttachment(ctx context.Context, digest string) (model.Attachment, *model.Post, *os.File, error) {
	post, err := s.repo.FindByAttachmentDigest(ctx, digest)
	if err != nil {
		return model.Attachment{}, nil, nil, err
	}
	att, ok := post.FindAttachment(func(a model.Attachment) bool { return a.Digest == digest })
	if !ok {
		return model.Attachment{}, nil, nil, errs.ErrNotFound
	}
	f, err := s.store.Fetch(digest)
	if err != nil {
		return model.Attachment{}, nil, nil, err
	}
	return att, post, f, nil
}

// OpenPostAttachment resolves an attachment by owning post and file name.
func (s *PostServiceImpl) OpenPostAttachment(ctx context.Context, postID, name string) (model.Attachment, *model.Post, *os.File, error) {
	post, err := s.repo.Get(ctx, postID)
	if err != nil {
		return model.Attachment{}, nil, nil, err
	}
	att, ok := post.FindAttachment(func(a model.Attachment) bool { return a.Name == name })
	if !ok {
		return model.Attachment{}, nil, nil, errs.ErrNotFound
	}
	f, err := s.store.Fetch(att.Digest)
	if err != nil {
		return model.Attachment{}, nil, nil, err
	}
	return att, post, f, nil
}

// DeleteAttachment unlinks a blob, refusing while any post still references
// its digest.
func (s *PostServiceImpl) DeleteAttachment(ctx context.Context, digest string) error {
	_, err := s.repo.FindByAttachmentDigest(ctx, digest)
	switch {
	case err == nil:
		return errs.ErrInUse
	case errors.Is(err, errs.ErrNotFound):
		return s.store.Delete(digest)
	default:
		return err
	}
}

func validateNewPost(post *model.Post) error {
	if post == nil {
		return fmt.Errorf("nil post: %w", errs.ErrInvalid)
	}
	if post.Entity == "" {
		return fmt.Errorf("entity is required: %w", errs.ErrInvalid)
	}
	if post.Type == "" {
		return fmt.Errorf("type is required: %w", errs.ErrInvalid)
	}
	return nil
}

// generateKey returns a high-entropy hex key for a provisioned credential.
func generateKey() (string, error) {
	raw := make([]byte, credentialKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
