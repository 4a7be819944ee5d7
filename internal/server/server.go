package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookdiary/internal/app"
	"bookdiary/internal/ratelimit"
	"bookdiary/internal/util"
	"bookdiary/pkg/domain"
)

const (
	sessionCookieName = "session"
	loginPath         = "/api/auth/login"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	RedisAddr                string
	RedisPassword            string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	MaxUploadBytes           int64
	SessionTTL               time.Duration
	SecureCookie             bool
}

// Server exposes the HTTP endpoints for the book diary.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	sessionTTL     time.Duration
	secureCookie   bool
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	// Without Redis there is no shared counter to enforce, so the
	// limiters stay nil and allowRate passes everything through.
	var signupLimiter, loginLimiter *ratelimit.FixedWindowLimiter
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rateWindow := time.Minute
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "bookdiary:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		signupLimiter, err = newLimiter("signup", signupLimit)
		if err != nil {
			return nil, err
		}
		loginLimiter, err = newLimiter("login", loginLimit)
		if err != nil {
			return nil, err
		}
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		sessionTTL:     sessionTTL,
		secureCookie:   cfg.SecureCookie,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc(loginPath, s.handleLogin)
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// books & readings (session required)
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/", s.authenticated(s.handleBookByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.currentUser(r)
		if !ok {
			s.audit(r, "authorize", "fail")
			writeUnauthorized(w, r)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) currentUser(r *http.Request) (domain.User, bool) {
	token, ok := sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	if user, ok := s.currentUser(r); ok {
		// Already signed in; mirror the "redirect home" behavior.
		writeJSON(w, http.StatusOK, map[string]any{"user": user, "next": "/api/books"})
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(req.Name, req.Email, req.Password, req.PasswordConfirmation)
	if err != nil {
		s.audit(r, "register", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "next": loginPath})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	next := safeNext(r.URL.Query().Get("next"))
	if user, ok := s.currentUser(r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"user": user, "next": next})
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.setSessionCookie(w, token)
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user, Next: next})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := sessionToken(r)
	if err := s.app.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	s.clearSessionCookie(w)
	s.audit(r, "logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := s.app.DeleteAccount(user); err != nil {
			writeAppError(w, err)
			return
		}
		if token, ok := sessionToken(r); ok {
			_ = s.app.Logout(token)
		}
		s.clearSessionCookie(w)
		s.audit(r, "account.delete", "success", "user_id", user.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(user)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": books,
			"count": len(books),
		})
	case http.MethodPost:
		s.handleCreateBook(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	cover, form, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	book, err := s.app.CreateBook(user, app.BookInput{
		Title:  form.Get("title"),
		Author: form.Get("author"),
		Genre:  form.Get("genre"),
	}, cover)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "book.create", "success", "user_id", user.ID, "book_id", book.ID)
	writeJSON(w, http.StatusCreated, book)
}

// /api/books/{id} or /api/books/{id}/readings
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] == "readings" {
			s.handleReadings(w, r, user, id)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, readings, err := s.app.BookDetail(user, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bookDetailResponse{Book: book, Readings: readings})
	case http.MethodPatch:
		s.handleUpdateBook(w, r, user, id)
	case http.MethodDelete:
		if err := s.app.DeleteBook(user, id); err != nil {
			writeAppError(w, err)
			return
		}
		s.audit(r, "book.delete", "success", "user_id", user.ID, "book_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	cover, form, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	// Absent fields stay untouched; present-but-empty title/author are
	// rejected downstream.
	var upd app.BookUpdate
	if vs, present := form["title"]; present && len(vs) > 0 {
		upd.Title = &vs[0]
	}
	if vs, present := form["author"]; present && len(vs) > 0 {
		upd.Author = &vs[0]
	}
	if vs, present := form["genre"]; present && len(vs) > 0 {
		upd.Genre = &vs[0]
	}
	book, err := s.app.UpdateBook(user, id, upd, cover)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "book.update", "success", "user_id", user.ID, "book_id", book.ID)
	writeJSON(w, http.StatusOK, book)
}

// parseBookForm reads the multipart form shared by book create and edit.
// It reports false after writing an error response.
func (s *Server) parseBookForm(w http.ResponseWriter, r *http.Request) (*app.CoverUpload, url.Values, bool) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return nil, nil, false
	}
	var cover *app.CoverUpload
	file, header, err := r.FormFile("cover")
	switch {
	case err == nil:
		cover = &app.CoverUpload{
			Filename: header.Filename,
			Reader:   file,
			Size:     header.Size,
		}
	case errors.Is(err, http.ErrMissingFile):
		// cover is optional
	default:
		writeError(w, http.StatusBadRequest, "invalid cover upload")
		return nil, nil, false
	}
	return cover, url.Values(r.MultipartForm.Value), true
}

// /api/books/{id}/readings
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request, user domain.User, bookID string) {
	switch r.Method {
	case http.MethodGet:
		readings, err := s.app.ListReadings(user, bookID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": readings,
			"count": len(readings),
		})
	case http.MethodPost:
		var req readingRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		reading, err := s.app.AddReading(user, bookID, req.StartDate, req.EndDate, req.Comment)
		if err != nil {
			writeAppError(w, err)
			return
		}
		s.audit(r, "reading.create", "success", "user_id", user.ID, "book_id", bookID)
		writeJSON(w, http.StatusCreated, reading)
	default:
		methodNotAllowed(w)
	}
}

// request/response shapes
type registerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
	Next  string      `json:"next"`
}

type readingRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Comment   string `json:"comment"`
}

type bookDetailResponse struct {
	Book     domain.Book      `json:"book"`
	Readings []domain.Reading `json:"readings"`
}

// helpers
func sessionToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	return "", false
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeNext keeps post-login destinations relative so the login flow cannot
// be abused as an open redirect.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/api/books"
	}
	return next
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "unauthorized",
		"login": loginPath + "?next=" + url.QueryEscape(r.URL.Path),
	})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrForbidden):
		// Generic denial: never reveal the resource or its owner.
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNameTaken),
		errors.Is(err, app.ErrEmailTaken),
		errors.Is(err, app.ErrInvalidName),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrWeakPassword),
		errors.Is(err, app.ErrPasswordMismatch),
		errors.Is(err, app.ErrMissingRequiredField),
		errors.Is(err, app.ErrUnsupportedFileType),
		errors.Is(err, app.ErrInvalidDate),
		errors.Is(err, app.ErrStartDateMissing),
		errors.Is(err, app.ErrInvalidDateRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 10 * 1024 * 1024
	}
	return value
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}
