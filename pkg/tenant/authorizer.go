// Package tenant binds a caller's tenant claim to the ownership metadata
// stored on a repository.
package tenant

import (
	"context"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/sirupsen/logrus"
)

// Authorizer compares a repository's owning tenant with the caller's.
// It is read-only against the store.
type Authorizer struct {
	store objstore.BlobStore
	log   srk.Logger
}

func NewAuthorizer(logger srk.Logger, store objstore.BlobStore) *Authorizer {
	return &Authorizer{store: store, log: logger}
}

// Check returns the repository's owning tenant id if it matches id.TenantID.
//
// Errors:
//   - the store's ContainerNotFound error, unchanged
//   - srk.ErrOwnershipMetadataMissing when the repository has no tenant tag
//   - srk.ErrAccessDenied when the tenants differ
//
// Callers must run Check before reading, writing or deleting anything in
// the repository.
func (a *Authorizer) Check(ctx context.Context, repository string, id Identity) (string, error) {
	if repository == "" {
		return "", errors.Wrap(srk.ErrBadRequest, "repository name must not be empty")
	}
	if id.TenantID == "" {
		return "", srk.ErrUnauthorized
	}

	metadata, err := a.store.GetContainerMetadata(ctx, repository)
	if err != nil {
		return "", err
	}

	owner, ok := objstore.Lookup(metadata, srk.MetadataTenantID)
	if !ok || owner == "" {
		a.log.WithField("repository", repository).Errorf("Repository '%s' has no %s metadata", repository, srk.MetadataTenantID)
		return "", srk.ErrOwnershipMetadataMissing
	}

	if owner != id.TenantID {
		a.log.WithFields(logrus.Fields{
			"repository":    repository,
			"tenant_id":     owner,
			"jwt_tenant_id": id.TenantID,
		}).Warnf("Access denied for tenant_id: %s - JWT tenant_id is: '%s'", owner, id.TenantID)
		return "", srk.ErrAccessDenied
	}
	return owner, nil
}
