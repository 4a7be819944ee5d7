package store

import (
	"sort"
	"sync"

	"bookdiary/pkg/domain"
)

// MemoryStore keeps all records in-process. It mirrors the Postgres store's
// semantics (cascades, uniqueness, reading order) for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	names     map[string]string // name -> user ID
	emails    map[string]string // email -> user ID
	books     map[string]domain.Book
	bookOrder []string
	readings  map[string][]domain.Reading // book ID -> readings in insert order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		names:    make(map[string]string),
		emails:   make(map[string]string),
		books:    make(map[string]domain.Book),
		readings: make(map[string][]domain.Reading),
	}
}

// CreateUser inserts a user, enforcing name/email uniqueness.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.names[u.Name]; taken {
		return ErrConflict
	}
	if _, taken := m.emails[u.Email]; taken {
		return ErrConflict
	}
	m.users[u.ID] = u
	m.names[u.Name] = u.ID
	m.emails[u.Email] = u.ID
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// HasUserName checks if a display name is taken.
func (m *MemoryStore) HasUserName(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.names[name]
	return ok, nil
}

// HasUserEmail checks if an email is taken.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[email]
	return ok, nil
}

// DeleteUser removes a user and cascades to their books and readings.
func (m *MemoryStore) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	delete(m.users, id)
	delete(m.names, u.Name)
	delete(m.emails, u.Email)
	for bookID, b := range m.books {
		if b.OwnerID == id {
			m.removeBookLocked(bookID)
		}
	}
	return nil
}

// SaveBook stores or replaces a book and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookOrder = append(m.bookOrder, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooksByOwner returns the owner's books in insertion order.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.bookOrder))
	for _, id := range m.bookOrder {
		if b, ok := m.books[id]; ok && b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	return res, nil
}

// DeleteBook removes a book and cascades to its readings.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeBookLocked(id)
	return nil
}

// AddReading records a reading session.
func (m *MemoryStore) AddReading(r domain.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[r.BookID] = append(m.readings[r.BookID], r)
	return nil
}

// ListReadingsByBook returns readings most recent start first, nil starts last.
func (m *MemoryStore) ListReadingsByBook(bookID string) ([]domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Reading, len(m.readings[bookID]))
	copy(res, m.readings[bookID])
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i].StartDate, res[j].StartDate
		switch {
		case a == nil && b == nil:
			return res[i].CreatedAt.After(res[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return res[i].CreatedAt.After(res[j].CreatedAt)
		default:
			return a.After(*b)
		}
	})
	return res, nil
}

func (m *MemoryStore) removeBookLocked(id string) {
	if _, ok := m.books[id]; !ok {
		return
	}
	delete(m.books, id)
	delete(m.readings, id)
	for i, bookID := range m.bookOrder {
		if bookID == id {
			m.bookOrder = append(m.bookOrder[:i], m.bookOrder[i+1:]...)
			break
		}
	}
}
