package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"bookdiary/internal/store"
	"bookdiary/pkg/domain"
)

// memoryCovers records cover writes without touching disk.
type memoryCovers struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemoryCovers() *memoryCovers {
	return &memoryCovers{files: make(map[string][]byte)}
}

func (m *memoryCovers) Save(_ context.Context, name string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
	return nil
}

func (m *memoryCovers) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func (m *memoryCovers) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

func newTestApp(t *testing.T) (*App, *memoryCovers) {
	t.Helper()
	covers := newMemoryCovers()
	a, err := New(Config{
		Store:    store.NewMemoryStore(),
		Sessions: store.NewMemorySessionStore(),
		Covers:   covers,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, covers
}

func register(t *testing.T, a *App, name, email, password string) domain.User {
	t.Helper()
	user, err := a.Register(name, email, password, password)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return user
}

func TestRegisterThenLogin(t *testing.T) {
	a, _ := newTestApp(t)
	user := register(t, a, "alice", "alice@example.com", "secret1")
	if user.PasswordHash == "secret1" {
		t.Fatalf("raw password must never be stored")
	}

	got, token, err := a.Login("alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("unexpected user: %q", got.ID)
	}
	if resolved, ok := a.UserFromToken(token); !ok || resolved.ID != user.ID {
		t.Fatalf("session token should resolve to the user")
	}

	if err := a.Logout(token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := a.UserFromToken(token); ok {
		t.Fatalf("token should not resolve after logout")
	}
}

func TestLoginNormalizesEmailCase(t *testing.T) {
	a, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com", "secret1")
	if _, _, err := a.Login("Alice@Example.COM", "secret1"); err != nil {
		t.Fatalf("login with differently-cased email: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com", "secret1")

	cases := []struct {
		name, email, password, confirm string
		want                           error
	}{
		{"alice", "new@example.com", "secret1", "secret1", ErrNameTaken},
		{"bob", "alice@example.com", "secret1", "secret1", ErrEmailTaken},
		{"bob", "bob@example.com", "short", "short", ErrWeakPassword},
		{"bob", "bob@example.com", "secret1", "secret2", ErrPasswordMismatch},
		{"ab", "bob@example.com", "secret1", "secret1", ErrInvalidName},
		{strings.Repeat("x", 26), "bob@example.com", "secret1", "secret1", ErrInvalidName},
		{"bob", "not-an-email", "secret1", "secret1", ErrInvalidEmail},
	}
	for _, tc := range cases {
		if _, err := a.Register(tc.name, tc.email, tc.password, tc.confirm); !errors.Is(err, tc.want) {
			t.Fatalf("register(%q,%q): got %v want %v", tc.name, tc.email, err, tc.want)
		}
	}
	// Failed registrations must not persist anything.
	if _, _, err := a.Login("bob@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("no user should exist for failed registrations, got %v", err)
	}
}

func TestLoginDoesNotDistinguishUnknownEmail(t *testing.T) {
	a, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com", "secret1")

	_, _, errUnknown := a.Login("nobody@example.com", "secret1")
	_, _, errWrongPw := a.Login("alice@example.com", "wrong-password")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("both failures must be ErrInvalidCredentials, got %v / %v", errUnknown, errWrongPw)
	}
}

func TestBookOwnershipIsEnforced(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	bob := register(t, a, "bob", "bob@example.com", "secret1")

	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	if _, err := a.GetBook(bob, book.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("get by non-owner: got %v want ErrForbidden", err)
	}
	title := "Hijacked"
	if _, err := a.UpdateBook(bob, book.ID, BookUpdate{Title: &title}, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("update by non-owner: got %v want ErrForbidden", err)
	}
	if err := a.DeleteBook(bob, book.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete by non-owner: got %v want ErrForbidden", err)
	}
	if _, err := a.AddReading(bob, book.ID, "2024-01-01", "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("add reading by non-owner: got %v want ErrForbidden", err)
	}
	if _, err := a.GetBook(alice, "no-such-book"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing book: got %v want ErrNotFound", err)
	}

	// The book itself is untouched.
	got, err := a.GetBook(alice, book.ID)
	if err != nil || got.Title != "Dune" {
		t.Fatalf("owner access after failed attacks: %v %q", err, got.Title)
	}
}

func TestCreateBookValidation(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")

	if _, err := a.CreateBook(alice, BookInput{Title: "", Author: "Herbert"}, nil); !errors.Is(err, ErrMissingRequiredField) {
		t.Fatalf("empty title: got %v", err)
	}
	if _, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "  "}, nil); !errors.Is(err, ErrMissingRequiredField) {
		t.Fatalf("blank author: got %v", err)
	}
}

func TestCoverUploadExtensionAllowList(t *testing.T) {
	a, covers := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")

	_, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, &CoverUpload{
		Filename: "cover.exe",
		Reader:   strings.NewReader("mz"),
	})
	if !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("exe cover: got %v want ErrUnsupportedFileType", err)
	}

	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, &CoverUpload{
		Filename: "../../etc/passwd.png",
		Reader:   strings.NewReader("png-bytes"),
	})
	if err != nil {
		t.Fatalf("png cover: %v", err)
	}
	if strings.Contains(book.CoverFilename, "/") || strings.Contains(book.CoverFilename, "..") {
		t.Fatalf("cover filename not sanitized: %q", book.CoverFilename)
	}
	if !covers.has(book.CoverFilename) {
		t.Fatalf("cover bytes not stored under %q", book.CoverFilename)
	}
}

func TestUpdateBookReplacesCover(t *testing.T) {
	a, covers := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")

	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, &CoverUpload{
		Filename: "first.png",
		Reader:   strings.NewReader("v1"),
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	oldCover := book.CoverFilename

	updated, err := a.UpdateBook(alice, book.ID, BookUpdate{}, &CoverUpload{
		Filename: "second.jpg",
		Reader:   strings.NewReader("v2"),
	})
	if err != nil {
		t.Fatalf("update book: %v", err)
	}
	if updated.CoverFilename == oldCover {
		t.Fatalf("cover reference should change")
	}
	if covers.has(oldCover) {
		t.Fatalf("old cover should be removed")
	}
	if !covers.has(updated.CoverFilename) {
		t.Fatalf("new cover should be stored")
	}
}

func TestUpdateBookPartialFields(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert", Genre: "scifi"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	genre := "classic scifi"
	updated, err := a.UpdateBook(alice, book.ID, BookUpdate{Genre: &genre}, nil)
	if err != nil {
		t.Fatalf("update book: %v", err)
	}
	if updated.Title != "Dune" || updated.Author != "Herbert" || updated.Genre != "classic scifi" {
		t.Fatalf("partial update wrong: %+v", updated)
	}
	if updated.OwnerID != alice.ID {
		t.Fatalf("owner must never change")
	}

	empty := ""
	if _, err := a.UpdateBook(alice, book.ID, BookUpdate{Title: &empty}, nil); !errors.Is(err, ErrMissingRequiredField) {
		t.Fatalf("blank title on edit: got %v", err)
	}
}

func TestAddReadingValidation(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	if _, err := a.AddReading(alice, book.ID, "2024-13-01", "", ""); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("invalid month: got %v", err)
	}
	if _, err := a.AddReading(alice, book.ID, "", "", "no start"); !errors.Is(err, ErrStartDateMissing) {
		t.Fatalf("missing start: got %v", err)
	}
	if _, err := a.AddReading(alice, book.ID, "2024-01-15", "2024-01-01", ""); !errors.Is(err, ErrInvalidDateRange) {
		t.Fatalf("end before start: got %v", err)
	}
	if _, err := a.AddReading(alice, book.ID, "2024-01-01", "not-a-date", ""); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("bad end date: got %v", err)
	}
	if readings, err := a.ListReadings(alice, book.ID); err != nil || len(readings) != 0 {
		t.Fatalf("failed validations must not create records: %v %d", err, len(readings))
	}
}

func TestListReadingsOrder(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	for _, start := range []string{"2023-01-01", "2023-06-01", "2024-01-01"} {
		if _, err := a.AddReading(alice, book.ID, start, "", ""); err != nil {
			t.Fatalf("add reading %s: %v", start, err)
		}
	}

	readings, err := a.ListReadings(alice, book.ID)
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	want := []string{"2024-01-01", "2023-06-01", "2023-01-01"}
	if len(readings) != len(want) {
		t.Fatalf("expected %d readings, got %d", len(want), len(readings))
	}
	for i, r := range readings {
		if got := r.StartDate.Format("2006-01-02"); got != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got, want[i])
		}
	}
}

func TestScenarioRegisterLoginBookReading(t *testing.T) {
	a, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com", "secret1")
	alice, _, err := a.Login("alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	book, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert", Genre: "scifi"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := a.AddReading(alice, book.ID, "2024-01-01", "2024-01-15", "great"); err != nil {
		t.Fatalf("add reading: %v", err)
	}

	books, err := a.ListBooks(alice)
	if err != nil {
		t.Fatalf("list books: %v", err)
	}
	if len(books) != 1 || books[0].Title != "Dune" {
		t.Fatalf("unexpected books: %+v", books)
	}

	readings, err := a.ListReadings(alice, book.ID)
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("expected exactly one reading, got %d", len(readings))
	}
	r := readings[0]
	if r.StartDate.Format("2006-01-02") != "2024-01-01" ||
		r.EndDate.Format("2006-01-02") != "2024-01-15" ||
		r.Comment != "great" {
		t.Fatalf("unexpected reading: %+v", r)
	}
	if r.OwnerID != alice.ID || r.BookID != book.ID {
		t.Fatalf("reading not scoped to owner/book: %+v", r)
	}
}

func TestDeleteBookRemovesReadings(t *testing.T) {
	a, _ := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	dune, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	solaris, err := a.CreateBook(alice, BookInput{Title: "Solaris", Author: "Lem"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := a.AddReading(alice, dune.ID, "2024-01-01", "", ""); err != nil {
		t.Fatalf("add reading: %v", err)
	}

	if err := a.DeleteBook(alice, dune.ID); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if _, err := a.GetBook(alice, dune.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted book should be gone, got %v", err)
	}
	books, _ := a.ListBooks(alice)
	if len(books) != 1 || books[0].ID != solaris.ID {
		t.Fatalf("sibling book must survive: %+v", books)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	a, covers := newTestApp(t)
	alice := register(t, a, "alice", "alice@example.com", "secret1")
	bob := register(t, a, "bobby", "bob@example.com", "secret1")

	dune, err := a.CreateBook(alice, BookInput{Title: "Dune", Author: "Herbert"}, &CoverUpload{
		Filename: "dune.png",
		Reader:   strings.NewReader("png bytes"),
		Size:     9,
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if _, err := a.AddReading(alice, dune.ID, "2024-01-01", "", ""); err != nil {
		t.Fatalf("add reading: %v", err)
	}
	bobBook, err := a.CreateBook(bob, BookInput{Title: "Solaris", Author: "Lem"}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	if err := a.DeleteAccount(alice); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, _, err := a.Login("alice@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("deleted account should not log in, got %v", err)
	}
	if covers.has(dune.CoverFilename) {
		t.Fatalf("cover %q should be cleaned up", dune.CoverFilename)
	}
	// The freed name and email can be registered again.
	register(t, a, "alice", "alice@example.com", "secret2")

	if _, err := a.GetBook(bob, bobBook.ID); err != nil {
		t.Fatalf("bob's book must survive: %v", err)
	}
}
