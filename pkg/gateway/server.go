// Package gateway exposes the repository and object managers over HTTP.
package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serverlessresearch/srkstore/pkg/objects"
	"github.com/serverlessresearch/srkstore/pkg/repositories"
	"github.com/serverlessresearch/srkstore/pkg/srk"
)

type Config struct {
	// Listen address, e.g. "localhost:8080". Port 0 picks a free port.
	Addr string
	// Serve HTTPS with this certificate when set.
	TLS *tls.Certificate
}

type Server struct {
	// Set once Start has opened the listener.
	Addr net.Addr

	cfg      Config
	repos    *repositories.Manager
	objects  *objects.Manager
	auth     *Authenticator
	registry *prometheus.Registry
	metrics  *Metrics
	log      srk.Logger
	server   *http.Server
	done     chan error
}

func NewServer(logger srk.Logger, cfg Config, repos *repositories.Manager, objs *objects.Manager, auth *Authenticator) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Server{
		cfg:      cfg,
		repos:    repos,
		objects:  objs,
		auth:     auth,
		registry: reg,
		metrics:  NewMetrics(reg),
		log:      logger,
		done:     make(chan error, 1),
	}
}

// Handler returns the full router, for embedding or for tests.
func (s *Server) Handler() http.Handler {
	return s.createAPIRouter()
}

func (s *Server) createAPIRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	anyTenantRole := RequireRole(srk.RoleTenantUser, srk.RoleTenantAdmin)
	adminOnly := RequireRole(srk.RoleTenantAdmin)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/repositories", func(r chi.Router) {
			r.With(adminOnly).Post("/", s.createRepository)
			r.With(anyTenantRole).Get("/{name}", s.getRepository)
			r.With(adminOnly).Delete("/{name}", s.deleteRepository)
		})

		r.Route("/objects", func(r chi.Router) {
			r.Use(anyTenantRole)
			r.Get("/download/{repository}/{name}", s.downloadObject)
			r.Post("/upload/{repository}", s.uploadObject)
			r.Get("/{repository}/{name}", s.getObjectInfo)
			r.Delete("/{repository}/{name}", s.deleteObject)
		})
	})
	return r
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "error opening listener")
	}
	s.Addr = listener.Addr()

	s.server = &http.Server{Handler: s.createAPIRouter()}
	if s.cfg.TLS != nil {
		s.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*s.cfg.TLS}}
		listener = tls.NewListener(listener, s.server.TLSConfig)
	}
	s.log.Infof("listening at %v (tls=%t)", s.Addr, s.cfg.TLS != nil)

	go func() {
		err := s.server.Serve(listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Wait blocks until the server stops serving.
func (s *Server) Wait() error {
	return <-s.done
}
