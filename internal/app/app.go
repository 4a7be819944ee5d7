package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"bookdiary/internal/storage"
	"bookdiary/internal/store"
	"bookdiary/internal/util"
	"bookdiary/pkg/auth"
	"bookdiary/pkg/domain"
)

const (
	minNameLength = 3
	maxNameLength = 25

	coverOpTimeout = 10 * time.Second
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store             store.Store
	Sessions          store.SessionStore
	Covers            storage.CoverStore
	AllowedExtensions []string
}

// App wires the data store, session store, and cover storage into the
// book-diary services. Every book and reading operation is scoped to the
// acting user.
type App struct {
	store       store.Store
	sessions    store.SessionStore
	covers      storage.CoverStore
	allowedExts map[string]struct{}
}

// CoverUpload carries an uploaded cover image.
type CoverUpload struct {
	Filename string
	Reader   io.Reader
	Size     int64
}

// BookInput holds fields for creating a book.
type BookInput struct {
	Title  string
	Author string
	Genre  string
}

// BookUpdate holds partial fields for editing a book. Nil means keep.
type BookUpdate struct {
	Title  *string
	Author *string
	Genre  *string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("data store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Covers == nil {
		return nil, fmt.Errorf("cover store required")
	}
	return &App{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		covers:      cfg.Covers,
		allowedExts: normalizeExtensions(cfg.AllowedExtensions),
	}, nil
}

// Register creates a new account. The raw password is never stored.
func (a *App) Register(name, email, password, passwordConfirmation string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))

	if n := utf8.RuneCountInString(name); n < minNameLength || n > maxNameLength {
		return domain.User{}, ErrInvalidName
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, ErrWeakPassword
	}
	if password != passwordConfirmation {
		return domain.User{}, ErrPasswordMismatch
	}

	if taken, err := a.store.HasUserName(name); err != nil {
		return domain.User{}, fmt.Errorf("check name: %w", err)
	} else if taken {
		return domain.User{}, ErrNameTaken
	}
	if taken, err := a.store.HasUserEmail(email); err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	} else if taken {
		return domain.User{}, ErrEmailTaken
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(user); err != nil {
		if err == store.ErrConflict {
			// Lost a race against a concurrent registration; report the
			// duplicate the same way the pre-checks would have.
			return domain.User{}, a.conflictError(name)
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func (a *App) conflictError(name string) error {
	if taken, err := a.store.HasUserName(name); err == nil && taken {
		return ErrNameTaken
	}
	return ErrEmailTaken
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves the session user, or false when unauthenticated.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// Logout removes a session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// DeleteAccount removes the user with all their books and readings.
// Stored covers are cleaned up best-effort after the cascade commits.
func (a *App) DeleteAccount(user domain.User) error {
	books, err := a.store.ListBooksByOwner(user.ID)
	if err != nil {
		return fmt.Errorf("list books: %w", err)
	}
	if err := a.store.DeleteUser(user.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	for _, b := range books {
		if b.CoverFilename != "" {
			a.deleteCover(b.CoverFilename)
		}
	}
	return nil
}

// ListBooks returns the user's books.
func (a *App) ListBooks(user domain.User) ([]domain.Book, error) {
	return a.store.ListBooksByOwner(user.ID)
}

// CreateBook registers a book for the user, storing an optional cover image.
func (a *App) CreateBook(user domain.User, in BookInput, cover *CoverUpload) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)
	if title == "" || author == "" {
		return domain.Book{}, ErrMissingRequiredField
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:        util.NewID(),
		OwnerID:   user.ID,
		Title:     title,
		Author:    author,
		Genre:     strings.TrimSpace(in.Genre),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cover != nil {
		filename, err := a.storeCover(book.ID, cover)
		if err != nil {
			return domain.Book{}, err
		}
		book.CoverFilename = filename
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// GetBook returns a book after checking ownership.
func (a *App) GetBook(user domain.User, bookID string) (domain.Book, error) {
	return a.ownedBook(user, bookID)
}

// BookDetail returns a book with its readings, most recent start first.
func (a *App) BookDetail(user domain.User, bookID string) (domain.Book, []domain.Reading, error) {
	book, err := a.ownedBook(user, bookID)
	if err != nil {
		return domain.Book{}, nil, err
	}
	readings, err := a.store.ListReadingsByBook(book.ID)
	if err != nil {
		return domain.Book{}, nil, fmt.Errorf("list readings: %w", err)
	}
	return book, readings, nil
}

// UpdateBook applies a partial edit to the user's book. A new cover replaces
// the old one; the old file is removed best-effort.
func (a *App) UpdateBook(user domain.User, bookID string, upd BookUpdate, cover *CoverUpload) (domain.Book, error) {
	book, err := a.ownedBook(user, bookID)
	if err != nil {
		return domain.Book{}, err
	}

	if upd.Title != nil {
		if strings.TrimSpace(*upd.Title) == "" {
			return domain.Book{}, ErrMissingRequiredField
		}
		book.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Author != nil {
		if strings.TrimSpace(*upd.Author) == "" {
			return domain.Book{}, ErrMissingRequiredField
		}
		book.Author = strings.TrimSpace(*upd.Author)
	}
	if upd.Genre != nil {
		book.Genre = strings.TrimSpace(*upd.Genre)
	}

	oldCover := ""
	if cover != nil {
		filename, err := a.storeCover(book.ID, cover)
		if err != nil {
			return domain.Book{}, err
		}
		oldCover = book.CoverFilename
		book.CoverFilename = filename
	}

	book.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	if oldCover != "" && oldCover != book.CoverFilename {
		a.deleteCover(oldCover)
	}
	return book, nil
}

// DeleteBook removes the user's book; its readings go with it.
func (a *App) DeleteBook(user domain.User, bookID string) error {
	book, err := a.ownedBook(user, bookID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteBook(book.ID); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if book.CoverFilename != "" {
		a.deleteCover(book.CoverFilename)
	}
	return nil
}

// ListReadings returns the readings of the user's book.
func (a *App) ListReadings(user domain.User, bookID string) ([]domain.Reading, error) {
	book, err := a.ownedBook(user, bookID)
	if err != nil {
		return nil, err
	}
	readings, err := a.store.ListReadingsByBook(book.ID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return readings, nil
}

// AddReading logs a reading session against the user's book. Dates use the
// YYYY-MM-DD format; the end date, when given, must not precede the start.
func (a *App) AddReading(user domain.User, bookID, startDate, endDate, comment string) (domain.Reading, error) {
	book, err := a.ownedBook(user, bookID)
	if err != nil {
		return domain.Reading{}, err
	}

	if strings.TrimSpace(startDate) == "" {
		return domain.Reading{}, ErrStartDateMissing
	}
	start, err := parseDate(startDate)
	if err != nil {
		return domain.Reading{}, ErrInvalidDate
	}
	var end *time.Time
	if strings.TrimSpace(endDate) != "" {
		parsed, err := parseDate(endDate)
		if err != nil {
			return domain.Reading{}, ErrInvalidDate
		}
		if parsed.Before(*start) {
			return domain.Reading{}, ErrInvalidDateRange
		}
		end = parsed
	}

	reading := domain.Reading{
		ID:        util.NewID(),
		OwnerID:   book.OwnerID,
		BookID:    book.ID,
		StartDate: start,
		EndDate:   end,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AddReading(reading); err != nil {
		return domain.Reading{}, fmt.Errorf("save reading: %w", err)
	}
	return reading, nil
}

// ownedBook fetches a book and verifies the acting user owns it.
func (a *App) ownedBook(user domain.User, bookID string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	if book.OwnerID != user.ID {
		return domain.Book{}, ErrForbidden
	}
	return book, nil
}

// storeCover validates and persists an uploaded cover, returning the stored
// filename. The book ID prefix keeps names unique across books.
func (a *App) storeCover(bookID string, cover *CoverUpload) (string, error) {
	if !a.isExtensionAllowed(cover.Filename) {
		return "", ErrUnsupportedFileType
	}
	filename := bookID + "_" + storage.SafeFilename(cover.Filename)
	ctx, cancel := context.WithTimeout(context.Background(), coverOpTimeout)
	defer cancel()
	if err := a.covers.Save(ctx, filename, cover.Reader, cover.Size); err != nil {
		return "", fmt.Errorf("save cover: %w", err)
	}
	return filename, nil
}

func (a *App) deleteCover(filename string) {
	ctx, cancel := context.WithTimeout(context.Background(), coverOpTimeout)
	defer cancel()
	if err := a.covers.Delete(ctx, filename); err != nil {
		slog.Warn("failed to delete old cover", "filename", filename, "err", err)
	}
}

func (a *App) isExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := a.allowedExts[ext]
	return ok
}

func parseDate(value string) (*time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
