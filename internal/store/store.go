package store

import (
	"errors"

	"bookdiary/pkg/domain"
)

// ErrConflict is returned when a storage uniqueness constraint is violated.
var ErrConflict = errors.New("store: uniqueness conflict")

// Store defines persistence operations for users, books, and readings.
// Deletes cascade: removing a user removes their books and readings,
// removing a book removes its readings.
type Store interface {
	// users
	CreateUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	HasUserName(name string) (bool, error)
	HasUserEmail(email string) (bool, error)
	DeleteUser(id string) error

	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	DeleteBook(id string) error

	// readings
	AddReading(domain.Reading) error
	ListReadingsByBook(bookID string) ([]domain.Reading, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
