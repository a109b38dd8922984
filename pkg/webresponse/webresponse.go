// Package webresponse turns errors from the managers into the uniform error
// envelope returned to HTTP callers.
package webresponse

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objstore"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

// Envelope is the body of every error response.
type Envelope struct {
	Response   []string `json:"response"`
	StatusCode int      `json:"statuscode"`
}

func (e *Envelope) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

func New(message string, code int) *Envelope {
	return &Envelope{Response: []string{message}, StatusCode: code}
}

// locally detected error kinds and the status they map to
var statusCodeSentinel = []struct {
	err  error
	code int
}{
	{srk.ErrUnauthorized, http.StatusUnauthorized},
	{srk.ErrAccessDenied, http.StatusForbidden},
	{srk.ErrForbiddenRole, http.StatusForbidden},
	{srk.ErrBadRequest, http.StatusBadRequest},
	{srk.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
	{srk.ErrOwnershipMetadataMissing, http.StatusInternalServerError},
}

// InternalErrorMessage replaces the text of unrecognised errors, which may
// carry server paths or other local detail. The managers log the full error.
const InternalErrorMessage = "internal error"

// Status maps err to a status code and caller-facing message. Store errors
// keep the store's own status code. Anything unrecognised is a 500 with a
// generic message.
func Status(err error) (int, string) {
	for _, s := range statusCodeSentinel {
		if errors.Is(err, s.err) {
			return s.code, err.Error()
		}
	}
	if se, ok := objstore.AsStoreError(err); ok {
		code := se.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusInternalServerError
		}
		return code, err.Error()
	}
	return http.StatusInternalServerError, InternalErrorMessage
}

// Error writes err as an envelope.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := Status(err)
	render.Render(w, r, New(msg, code))
}

// Message writes a plain message envelope with the given status.
func Message(w http.ResponseWriter, r *http.Request, code int, message string) {
	render.Render(w, r, New(message, code))
}
