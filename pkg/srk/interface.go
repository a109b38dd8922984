// Standard interfaces and datatypes for the srkstore project.
// Terms:
//   "repository" : A tenant-owned container in the blob store
//   "object" : A single blob stored inside a repository
//   "provider" : A configured blob store backend
package srk

import (
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/sirupsen/logrus"
)

// Logger is the logging surface shared by every component. A *logrus.Logger
// or *logrus.Entry satisfies it.
type Logger = logrus.FieldLogger

// A provider aggregates the services a deployment runs against. For now that
// is a single blob store.
type Provider struct {
	Blobs objstore.BlobStore
}

// Metadata key holding the owning tenant of a repository (and, as a copy, of
// every object uploaded into it).
const MetadataTenantID = "tenant_id"

// Roles recognized in the caller's identity.
const (
	RoleTenantUser  = "tenant_user"
	RoleTenantAdmin = "tenant_admin"
)
