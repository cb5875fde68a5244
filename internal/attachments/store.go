// Package attachments is a content-addressable file store for binary
// uploads. A blob's identity is the digest of its bytes; two uploads of the
// same content collapse to one file by construction.
package attachments

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/stelehq/stele/internal/digest"
	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
)

// shardDepth is the number of single-character directory levels between the
// base directory and the blob, bounding any one directory's fan-out.
const shardDepth = 3

// Store persists blobs under a sharded directory tree keyed by digest.
// Writes go through a temp file and an atomic rename, so a partially
// written upload is never visible at its final path and concurrent uploads
// of identical content race harmlessly to the same destination.
type Store struct {
	baseDir string
	tmpDir  string
}

// NewStore prepares the store directories under baseDir.
func NewStore(baseDir string) (*Store, error) {
	s := &Store{
		baseDir: baseDir,
		tmpDir:  filepath.Join(baseDir, ".tmp"),
	}
	// The temp dir lives inside baseDir so the final rename never crosses a
	// filesystem boundary.
	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("attachments: init %s: %w", baseDir, err)
	}
	return s, nil
}

// Save streams an upload to the store, computing its digest incrementally,
// and returns the attachment metadata. The context is checked between
// chunks so an abandoned upload stops promptly.
func (s *Store) Save(ctx context.Context, r io.Reader, name, contentType string) (model.Attachment, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "upload-*")
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName) // no-op once renamed
	}()

	d, size, err := digest.Reader(io.TeeReader(&ctxReader{ctx: ctx, r: r}, tmp))
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: close temp: %w", err)
	}

	dst := s.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: shard dir: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return model.Attachment{}, fmt.Errorf("attachments: store blob: %w", err)
	}

	return model.Attachment{
		ContentType: cleanContentType(contentType),
		Name:        cleanName(name),
		Digest:      d,
		Size:        size,
	}, nil
}

// ctxReader fails the copy as soon as the request context is done, so an
// abandoned upload stops between chunks instead of spooling to completion.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Fetch opens the blob for the given digest. The caller closes the file.
func (s *Store) Fetch(d string) (*os.File, error) {
	if !digest.Valid(d) {
		return nil, errs.ErrNotFound
	}
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("attachments: open %s: %w", d, err)
	}
	return f, nil
}

// Delete unlinks the blob. Reference checks belong to the service layer;
// the store itself deletes unconditionally.
func (s *Store) Delete(d string) error {
	if !digest.Valid(d) {
		return errs.ErrNotFound
	}
	if err := os.Remove(s.blobPath(d)); err != nil {
		if os.IsNotExist(err) {
			return errs.ErrNotFound
		}
		return fmt.Errorf("attachments: delete %s: %w", d, err)
	}
	return nil
}

// blobPath shards the digest into single-character directory levels:
// <base>/<d0>/<d1>/<d2>/<digest>.
func (s *Store) blobPath(d string) string {
	parts := make([]string, 0, shardDepth+2)
	parts = append(parts, s.baseDir)
	for i := 0; i < shardDepth; i++ {
		parts = append(parts, d[i:i+1])
	}
	parts = append(parts, d)
	return filepath.Join(parts...)
}

// cleanName strips any path components from a client-supplied filename.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "unnamed"
	}
	return name
}

// cleanContentType reduces a Content-Type header to its media type.
func cleanContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}
