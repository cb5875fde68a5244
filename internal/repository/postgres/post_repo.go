package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// PostRepo implements PostRepository over a JSONB posts table. The document
// is stored whole; id and version id are extracted in SQL for lookups and
// optimistic concurrency.
type PostRepo struct{ db *DB }

// NewPostRepo constructs a post repository.
func NewPostRepo(db *DB) *PostRepo { return &PostRepo{db: db} }

// Insert stores a new post under its pre-minted id.
func (r *PostRepo) Insert(ctx context.Context, post *model.Post) error {
	doc, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}
	const q = `INSERT INTO posts (id, doc) VALUES ($1, $2)`
	_, err = r.db.Pool.Exec(ctx, q, post.ID, doc)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns a post by id.
func (r *PostRepo) Get(ctx context.Context, id string) (*model.Post, error) {
	const q = `SELECT doc FROM posts WHERE id=$1`
	return scanPost(r.db.Pool.QueryRow(ctx, q, id))
}

// List returns posts in reverse chronological order (ids are minted from
// timestamps, so id order is creation order).
func (r *PostRepo) List(ctx context.Context, onlyPublic bool, limit, offset int) ([]model.Post, error) {
	q := `SELECT doc FROM posts ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	if onlyPublic {
		q = `SELECT doc FROM posts WHERE (doc #>> '{permissions,public}')::boolean IS TRUE
ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	}
	rows, err := r.db.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p model.Post
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("unmarshal post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update shallow-merges updates into the stored document, guarded by the
// current version id. JSONB || replaces top-level keys, which matches the
// merge the service hashed when it minted the new version record.
func (r *PostRepo) Update(ctx context.Context, id, baseVersion string, updates map[string]any) (*model.Post, error) {
	patch, err := json.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("marshal updates: %w", err)
	}
	const q = `
UPDATE posts SET doc = doc || $3
WHERE id=$1 AND doc #>> '{version,id}' = $2
RETURNING doc`
	p, err := scanPost(r.db.Pool.QueryRow(ctx, q, id, baseVersion, patch))
	if errors.Is(err, errs.ErrNotFound) {
		return nil, r.missingOrConflict(ctx, id)
	}
	return p, err
}

// Delete removes a post, guarded by the current version id.
func (r *PostRepo) Delete(ctx context.Context, id, baseVersion string) error {
	const q = `DELETE FROM posts WHERE id=$1 AND doc #>> '{version,id}' = $2`
	tag, err := r.db.Pool.Exec(ctx, q, id, baseVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// FindByAttachmentDigest returns a post whose attachments array references
// the digest.
func (r *PostRepo) FindByAttachmentDigest(ctx context.Context, digest string) (*model.Post, error) {
	const q = `
SELECT doc FROM posts
WHERE doc->'attachments' @> jsonb_build_array(jsonb_build_object('digest', $1::text))
LIMIT 1`
	return scanPost(r.db.Pool.QueryRow(ctx, q, digest))
}

// missingOrConflict distinguishes a vanished post from a version mismatch
// after a guarded write touched zero rows.
func (r *PostRepo) missingOrConflict(ctx context.Context, id string) error {
	const q = `SELECT 1 FROM posts WHERE id=$1`
	var one int
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return errs.ErrVersionConflict
}

func scanPost(row pgx.Row) (*model.Post, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	var p model.Post
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	return &p, nil
}
