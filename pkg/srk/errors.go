package srk

import "github.com/pkg/errors"

// Error kinds detected locally. Store failures are reported separately as
// *objstore.StoreError.
var (
	// No usable identity on the request.
	ErrUnauthorized = errors.New("no valid JWT token found")

	// The caller's tenant does not own the repository. The message is
	// deliberately generic so the real owner is never revealed.
	ErrAccessDenied = errors.New(MetadataTenantID + " validation failed")

	// The caller lacks the role an operation requires.
	ErrForbiddenRole = errors.New("caller does not have the required role")

	// A repository exists but carries no tenant tag. This is a data integrity
	// fault, never an "open to anyone" repository.
	ErrOwnershipMetadataMissing = errors.New(MetadataTenantID + " not found on repository")

	ErrBadRequest = errors.New("bad request")

	ErrPayloadTooLarge = errors.New("payload exceeds the maximum upload size")
)
