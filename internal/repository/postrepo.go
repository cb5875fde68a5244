// Package repository defines persistence interfaces consumed by services.
package repository

import (
	"context"

	"github.com/stelehq/stele/internal/model"
)

// PostRepository provides versioned access to post documents. The backing
// store guarantees per-document atomicity; optimistic concurrency rides on
// the version id already embedded in the document.
type PostRepository interface {
	// Insert stores a new post under its pre-minted id.
	Insert(ctx context.Context, post *model.Post) error

	// Get returns a post by id.
	Get(ctx context.Context, id string) (*model.Post, error)

	// List returns posts in reverse chronological order. With onlyPublic set,
	// only posts marked permissions.public are returned.
	List(ctx context.Context, onlyPublic bool, limit, offset int) ([]model.Post, error)

	// Update shallow-merges updates into the stored document if and only if
	// its current version id equals baseVersion, and returns the result.
	Update(ctx context.Context, id, baseVersion string, updates map[string]any) (*model.Post, error)

	// Delete removes a post if its current version id equals baseVersion.
	Delete(ctx context.Context, id, baseVersion string) error

	// FindByAttachmentDigest returns a post whose attachments reference the
	// given digest, if any.
	FindByAttachmentDigest(ctx context.Context, digest string) (*model.Post, error)
}
