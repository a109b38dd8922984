package gateway

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/srkstore/pkg/objects"
	"github.com/serverlessresearch/srkstore/pkg/repositories"
	"github.com/serverlessresearch/srkstore/pkg/srk"
	"github.com/serverlessresearch/srkstore/pkg/tenant"
	"github.com/serverlessresearch/srkstore/pkg/webresponse"
)

// The multipart field holding the uploaded file.
const uploadField = "object"

func identity(r *http.Request) tenant.Identity {
	id, _ := tenant.FromContext(r.Context())
	return id
}

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	var req repositories.CreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		webresponse.Error(w, r, errors.Wrap(srk.ErrBadRequest, "Invalid repository request body"))
		return
	}
	if err := s.repos.Create(r.Context(), req.Name, identity(r)); err != nil {
		webresponse.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.repos.Get(r.Context(), chi.URLParam(r, "name"), identity(r))
	if err != nil {
		webresponse.Error(w, r, err)
		return
	}
	render.JSON(w, r, repo)
}

func (s *Server) deleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := s.repos.Delete(r.Context(), chi.URLParam(r, "name"), identity(r)); err != nil {
		webresponse.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getObjectInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.objects.GetInfo(r.Context(), chi.URLParam(r, "repository"), chi.URLParam(r, "name"), identity(r))
	if err != nil {
		webresponse.Error(w, r, err)
		return
	}
	render.JSON(w, r, info)
}

func (s *Server) downloadObject(w http.ResponseWriter, r *http.Request) {
	d, err := s.objects.Download(r.Context(), chi.URLParam(r, "repository"), chi.URLParam(r, "name"), identity(r))
	if err != nil {
		webresponse.Error(w, r, err)
		return
	}
	defer d.Close()

	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d); err != nil {
		s.log.WithField("object", d.Name).Warnf("Object download: client transfer aborted - %v", err)
	}
}

// uploadObject streams the first part named "object" straight into the
// objects manager; the request body is never buffered as a whole form.
func (s *Server) uploadObject(w http.ResponseWriter, r *http.Request) {
	repository := chi.URLParam(r, "repository")
	missing := errors.Wrap(srk.ErrBadRequest, "unable to get form parameter 'object' from multipart form")

	mr, err := r.MultipartReader()
	if err != nil {
		webresponse.Error(w, r, missing)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			webresponse.Error(w, r, missing)
			return
		}
		if err != nil {
			webresponse.Error(w, r, errors.Wrap(srk.ErrBadRequest, err.Error()))
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		_, err = s.objects.Upload(r.Context(), repository, objects.Payload{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		}, identity(r))
		part.Close()
		if err != nil {
			webresponse.Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	if err := s.objects.Delete(r.Context(), chi.URLParam(r, "repository"), chi.URLParam(r, "name"), identity(r)); err != nil {
		webresponse.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	webresponse.Message(w, r, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	webresponse.Message(w, r, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path)
}
