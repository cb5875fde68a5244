// Package service contains application services for credential resolution
// and post lifecycle management.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/stelehq/stele/internal/errs"
	"github.com/stelehq/stele/internal/model"
	"github.com/stelehq/stele/internal/repository"
)

// CredentialService maps opaque client ids to signing material.
type CredentialService interface {
	// Resolve returns the credential for id, or errs.ErrUnknownCredential.
	Resolve(ctx context.Context, id string) (model.Credential, error)
}

type CredentialServiceImpl struct {
	posts repository.PostRepository
	root  model.Credential
}

// NewCredentialService constructs a resolver backed by the post store plus
// one statically configured root identity.
func NewCredentialService(posts repository.PostRepository, root model.Credential) *CredentialServiceImpl {
	return &CredentialServiceImpl{posts: posts, root: root}
}

// Resolve returns the root credential for the reserved id "root"; any other
// id is looked up as a credentials post. A post missing either key or
// algorithm is treated as not found, never as a partial credential.
func (s *CredentialServiceImpl) Resolve(ctx context.Context, id string) (model.Credential, error) {
	if id == "" {
		return model.Credential{}, errs.ErrUnknownCredential
	}
	if id == "root" {
		return s.root, nil
	}

	post, err := s.posts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Credential{}, errs.ErrUnknownCredential
		}
		return model.Credential{}, fmt.Errorf("resolve %q: %w", id, err)
	}

	key, _ := post.Content["hawk_key"].(string)
	alg, _ := post.Content["hawk_algorithm"].(string)
	if key == "" || alg == "" || !model.Algorithm(alg).Valid() {
		return model.Credential{}, errs.ErrUnknownCredential
	}
	return model.Credential{ID: id, Key: key, Algorithm: model.Algorithm(alg)}, nil
}
