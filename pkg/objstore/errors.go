package objstore

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Codes shared by every backend.
const (
	CodeContainerNotFound      = "ContainerNotFound"
	CodeContainerAlreadyExists = "ContainerAlreadyExists"
	CodeBlobNotFound           = "BlobNotFound"
	CodeInvalidResourceName    = "InvalidResourceName"
)

// StoreError is a failure reported by the backing store. StatusCode and
// Message are meant to be handed to the caller unchanged.
type StoreError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StoreError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ContainerNotFound(name string) *StoreError {
	return &StoreError{
		StatusCode: http.StatusNotFound,
		Code:       CodeContainerNotFound,
		Message:    fmt.Sprintf("The specified container %q does not exist.", name),
	}
}

func ContainerAlreadyExists(name string) *StoreError {
	return &StoreError{
		StatusCode: http.StatusConflict,
		Code:       CodeContainerAlreadyExists,
		Message:    fmt.Sprintf("The specified container %q already exists.", name),
	}
}

func BlobNotFound(container, blob string) *StoreError {
	return &StoreError{
		StatusCode: http.StatusNotFound,
		Code:       CodeBlobNotFound,
		Message:    fmt.Sprintf("The specified blob %q does not exist in container %q.", blob, container),
	}
}

func InvalidResourceName(name string) *StoreError {
	return &StoreError{
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidResourceName,
		Message:    fmt.Sprintf("The specified resource name %q is not valid.", name),
	}
}

// AsStoreError returns the *StoreError in err's chain, if any.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	se, ok := AsStoreError(err)
	return ok && se.Code == code
}

func IsContainerNotFound(err error) bool { return hasCode(err, CodeContainerNotFound) }

func IsBlobNotFound(err error) bool { return hasCode(err, CodeBlobNotFound) }

func IsContainerAlreadyExists(err error) bool { return hasCode(err, CodeContainerAlreadyExists) }

// IsNotFound reports whether err means a container or blob is absent.
func IsNotFound(err error) bool {
	se, ok := AsStoreError(err)
	return ok && se.StatusCode == http.StatusNotFound
}
