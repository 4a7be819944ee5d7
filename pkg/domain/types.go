package domain

import "time"

// Identifiable exposes an opaque stable identifier.
type Identifiable interface {
	Identity() string
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u User) Identity() string { return u.ID }

type Book struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Genre         string    `json:"genre,omitempty"`
	CoverFilename string    `json:"coverFilename,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (b Book) Identity() string { return b.ID }

// Reading records one reading session of a book. Start and end dates are
// optional. The owner always equals the book's owner.
type Reading struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	BookID    string     `json:"bookId"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (r Reading) Identity() string { return r.ID }
