package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stelehq/stele/internal/digest"
	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// applyVersion stamps a new post with its first version record. The version
// id is the content digest of the document exactly as the client sent it,
// with no version sub-object and no id, so a client can recompute it and
// two inserts of the same document always yield the same id. The server
// timestamp goes only into the version record, never into the document.
// Provenance fields a client put inside version (published_at, parents,
// message, delta) are preserved; a client-supplied version id is discarded.
func applyVersion(post *model.Post, now time.Time) error {
	provenance := post.Version
	post.Version = nil

	id, err := digest.Document(post)
	if err != nil {
		return fmt.Errorf("version new post: %w", err)
	}

	v := &model.Version{ID: id, PublishedAt: now.UnixMilli()}
	if provenance != nil {
		if provenance.PublishedAt != 0 {
			v.PublishedAt = provenance.PublishedAt
		}
		v.Parents = provenance.Parents
		v.Message = provenance.Message
		v.Delta = provenance.Delta
	}
	post.Version = v
	return nil
}

// nextVersion computes the version record for an update: the digest of the
// merged document minus its version sub-object. A version object inside
// updates is consumed for its provenance, exactly as on insert: published_at,
// parents, message and delta survive, a client-supplied id is discarded.
// Parents default to the superseded version when the client names none. The
// entry is removed from updates so the patch never carries a stale version.
func nextVersion(original *model.Post, updates map[string]any, now time.Time) (*model.Version, error) {
	merged, err := toMap(original)
	if err != nil {
		return nil, err
	}

	var provenance model.Version
	if raw, ok := updates["version"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("version provenance: %w", err)
		}
		if err := json.Unmarshal(b, &provenance); err != nil {
			return nil, fmt.Errorf("version provenance: %w", errs.ErrInvalid)
		}
	}
	delete(updates, "version")
	for k, val := range updates {
		merged[k] = val
	}
	delete(merged, "version")

	id, err := digest.Document(merged)
	if err != nil {
		return nil, fmt.Errorf("version update: %w", err)
	}

	v := &model.Version{
		ID:          id,
		PublishedAt: now.UnixMilli(),
		Parents:     []model.VersionParent{{Version: original.Version.ID}},
		Message:     provenance.Message,
		Delta:       provenance.Delta,
	}
	if provenance.PublishedAt != 0 {
		v.PublishedAt = provenance.PublishedAt
	}
	if len(provenance.Parents) > 0 {
		v.Parents = provenance.Parents
	}
	return v, nil
}

// toMap round-trips a value through JSON into a generic map.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to map: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("to map: %w", err)
	}
	return m, nil
}
