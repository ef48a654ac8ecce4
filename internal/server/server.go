package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/BioGraph/internal/database"
	"github.com/TobiSchelling/BioGraph/internal/logging"
	"github.com/TobiSchelling/BioGraph/internal/materialize"
	"github.com/TobiSchelling/BioGraph/internal/metrics"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Options configures a Server.
type Options struct {
	// Materializer serves the changes endpoint. Required.
	Materializer *materialize.Materializer
	Metrics      *metrics.Metrics
	// AdminSecret signs admin bearer tokens. Empty disables the admin API.
	AdminSecret string
	Logger      *zap.Logger
}

// Server is the HTTP server for the read and admin APIs.
type Server struct {
	db      *database.DB
	mat     *materialize.Materializer
	metrics *metrics.Metrics
	auth    *TokenValidator
	pages   map[string]*template.Template
	mux     *http.ServeMux
	log     *zap.Logger
}

// New creates a new Server.
func New(db *database.DB, opts Options) (*Server, error) {
	if opts.Materializer == nil {
		return nil, errors.New("server: materializer is required")
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"pct":      func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so that {{define "content"}}
	// does not collide between pages.
	pageNames := []string{"index.html", "issuer.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		db:      db,
		mat:     opts.Materializer,
		metrics: opts.Metrics,
		pages:   pages,
		mux:     http.NewServeMux(),
		log:     logging.OrNop(opts.Logger).Named("server"),
	}
	if opts.AdminSecret != "" {
		s.auth = NewTokenValidator([]byte(opts.AdminSecret))
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /issuers/{id}", s.handleIssuerPage)

	s.mux.HandleFunc("GET /api/v1/issuers/{id}/explanations", s.handleExplanations)
	s.mux.HandleFunc("GET /api/v1/issuers/{id}/changes", s.handleChanges)

	admin := RequireAdmin(s.auth)
	s.mux.Handle("GET /api/v1/admin/assertions", admin(http.HandlerFunc(s.handleAdminAssertions)))
	s.mux.Handle("GET /api/v1/admin/quality", admin(http.HandlerFunc(s.handleAdminQuality)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	issuers, err := s.db.ListIssuers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, "index.html", map[string]any{"Issuers": issuers})
}

func (s *Server) handleIssuerPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	iss, err := s.db.GetIssuer(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if iss == nil {
		http.NotFound(w, r)
		return
	}

	data := map[string]any{"Issuer": iss}
	snaps, err := s.db.ListSnapshots(ctx, iss.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(snaps) > 0 {
		asOf, err := database.ParseDate(snaps[0].AsOf)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		rows, err := s.db.ListExplanations(ctx, database.ExplanationFilter{IssuerID: iss.ID, AsOf: asOf})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		data["Snapshot"] = snaps[0]
		data["Explanations"] = rows
	}
	s.render(w, "issuer.html", data)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.log.Error("rendering template", zap.String("template", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", "http://"+addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
