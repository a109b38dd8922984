// Package repositories creates, inspects and deletes tenant-owned containers.
package repositories

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
)

// Repository is what Get reports about a container.
type Repository struct {
	Name     string `json:"name"`
	TenantID string `json:"tenantID"`
}

// CreateRequest is the body accepted when creating a repository.
type CreateRequest struct {
	Name string `json:"name"`
}

// Lowercase letters, digits and single hyphens, starting and ending with a
// letter or digit. Valid for both S3 buckets and Azure containers.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateName checks name against the container naming rules shared by
// every backend.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return errors.Wrapf(srk.ErrBadRequest, "repository name %q must be between 3 and 63 characters", name)
	}
	if !namePattern.MatchString(name) || strings.Contains(name, "--") {
		return errors.Wrapf(srk.ErrBadRequest, "repository name %q may only contain lowercase letters, digits and single hyphens", name)
	}
	return nil
}

type Manager struct {
	store objstore.BlobStore
	authz *tenant.Authorizer
	log   srk.Logger
}

func NewManager(logger srk.Logger, store objstore.BlobStore, authz *tenant.Authorizer) *Manager {
	return &Manager{store: store, authz: authz, log: logger}
}

// Create makes a new container tagged with the caller's tenant. Role checks
// happen in the HTTP layer; ownership is assigned here rather than checked.
func (m *Manager) Create(ctx context.Context, name string, id tenant.Identity) error {
	m.log.Infof("Creating repository '%s' ...", name)

	if err := ValidateName(name); err != nil {
		m.log.Errorf("Creating repository '%s': FAILED - %v", name, err)
		return err
	}
	if id.TenantID == "" {
		return srk.ErrUnauthorized
	}

	metadata := map[string]string{srk.MetadataTenantID: id.TenantID}
	if err := m.store.CreateContainer(ctx, name, metadata); err != nil {
		m.log.Errorf("Creating repository '%s': FAILED - %v", name, err)
		return errors.Wrap(err, "Creating repository: FAILED")
	}

	m.log.WithField("tenant_id", id.TenantID).Infof("Creating repository '%s': OK", name)
	return nil
}

// Get returns the repository if the caller's tenant owns it.
func (m *Manager) Get(ctx context.Context, name string, id tenant.Identity) (*Repository, error) {
	m.log.Infof("Getting repository '%s' ...", name)

	owner, err := m.authz.Check(ctx, name, id)
	if err != nil {
		m.log.Errorf("Getting repository '%s': FAILED - %v", name, err)
		return nil, errors.Wrap(err, "Getting repository: FAILED")
	}

	m.log.Infof("Getting repository '%s': OK", name)
	return &Repository{Name: name, TenantID: owner}, nil
}

// Delete removes the repository and everything in it. Deleting a repository
// that does not exist is an error.
func (m *Manager) Delete(ctx context.Context, name string, id tenant.Identity) error {
	m.log.Infof("Deleting repository '%s' ...", name)

	if _, err := m.authz.Check(ctx, name, id); err != nil {
		m.log.Errorf("Deleting repository '%s': FAILED - %v", name, err)
		return errors.Wrap(err, "Deleting repository: FAILED")
	}

	if err := m.store.DeleteContainer(ctx, name); err != nil {
		m.log.Errorf("Deleting repository '%s': FAILED - %v", name, err)
		return errors.Wrap(err, "Deleting repository: FAILED")
	}

	m.log.Infof("Deleting repository '%s': OK", name)
	return nil
}
