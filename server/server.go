// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"visa-bulletin-notifier/check"
	"visa-bulletin-notifier/notify"
	"visa-bulletin-notifier/pkg/bulletin"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

const emailCookieName = "visa_bulletin_email"

// Templates.
var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Checker runs bulletin check cycles.
type Checker interface {
	Check(ctx context.Context) *check.Result
}

// Subscriptions manages subscribers.
type Subscriptions interface {
	Subscribe(ctx context.Context, email string, n *notify.Notice) error
	Unsubscribe(ctx context.Context, email string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	checker       Checker
	subscriptions Subscriptions
	logger        *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Checker       Checker
	Subscriptions Subscriptions
	Logger        *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		checker:       cfg.Checker,
		subscriptions: cfg.Subscriptions,
		logger:        cfg.Logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/api/check", s.handleAPICheck)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

// ServeHTTP listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ServeHTTP(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      2 * time.Minute,   // A check fetches upstream and may deliver email
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// pageData is the view model for index.tmpl.
type pageData struct {
	Digest      template.HTML
	Message     string
	Error       string
	SavedEmail  string
	Edition     string
	Counters    bulletin.Counters
	Subscribers int
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := s.checker.Check(r.Context())

	data := s.page(r, res)
	if email := notify.NormalizeEmail(r.URL.Query().Get("email")); notify.IsValidEmail(email) {
		data.SavedEmail = email
	}
	s.render(w, http.StatusOK, data)
}

func (s *Server) handleAPICheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res := s.checker.Check(r.Context())

	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"digest":  res.Digest.HTML(),
		"edition": res.EditionKey(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res := s.checker.Check(r.Context())
	if res.Degraded() {
		s.logger.Error("Poll check failed", "error", res.Err)
		writeJSON(w, s.logger, http.StatusBadGateway, map[string]any{
			"status": "degraded",
			"error":  res.Digest.Error,
		})
		return
	}

	out := map[string]any{
		"status":  "completed",
		"edition": res.EditionKey(),
	}
	if res.Report != nil {
		out["sent"] = len(res.Report.Sent)
		out["skipped"] = len(res.Report.Skipped)
		out["failed"] = len(res.Report.Failed)
	}
	writeJSON(w, s.logger, http.StatusOK, out)
}

// page builds the view model shared by the index and form result pages.
func (s *Server) page(r *http.Request, res *check.Result) *pageData {
	// The digest escapes every upstream string it embeds.
	data := &pageData{
		Digest:     template.HTML(res.Digest.HTML()),
		Edition:    res.EditionKey(),
		Counters:   res.Counters,
		SavedEmail: emailCookie(r),
	}

	n, err := s.subscriptions.Count(r.Context())
	if err != nil {
		s.logger.Warn("Failed to count subscribers", "error", err)
	}
	data.Subscribers = n
	return data
}

func (s *Server) render(w http.ResponseWriter, status int, data *pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
	w.WriteHeader(status)

	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

func setEmailCookie(w http.ResponseWriter, email string) {
	cookie := &http.Cookie{
		Name:     emailCookieName,
		Value:    email,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, cookie)
}

func clearEmailCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     emailCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func emailCookie(r *http.Request) string {
	cookie, err := r.Cookie(emailCookieName)
	if err != nil {
		return ""
	}
	// Validate the email from cookie before using it
	// This prevents injection attacks via cookie manipulation
	if !notify.IsValidEmail(cookie.Value) {
		return ""
	}
	return cookie.Value
}
