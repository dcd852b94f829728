// Package localcache is the fast, advisory tier of profile storage: two
// string-keyed slots holding the current user and the known-user set as JSON.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"test-your-luck/internal/model"
)

// Slot keys.
const (
	UserKey     = "test-your-luck-user"
	AllUsersKey = "test-your-luck-all-users"
)

// errNoProfile marks a user slot that decodes but holds no profile, such
// as null or an object without an id.
var errNoProfile = errors.New("slot holds no profile")

// ParseError reports a slot whose contents could not be decoded.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("corrupt cache slot %q: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Backend is a durable string key-value store.
type Backend interface {
	// Get returns ok=false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// Cache reads and writes the two JSON slots on top of a Backend.
type Cache struct {
	backend Backend
}

// New wraps backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// LoadUser returns the cached current user, or nil when the slot is empty.
// Undecodable contents, and contents without a profile id, yield a
// *ParseError.
func (c *Cache) LoadUser() (*model.UserProfile, error) {
	var p *model.UserProfile
	found, err := c.load(UserKey, &p)
	if err != nil || !found {
		return nil, err
	}
	if p == nil || p.ID == "" {
		return nil, &ParseError{Key: UserKey, Err: errNoProfile}
	}
	return p, nil
}

// SaveUser writes the current user slot.
func (c *Cache) SaveUser(p *model.UserProfile) error {
	return c.save(UserKey, p)
}

// ClearUser empties the current user slot.
func (c *Cache) ClearUser() error {
	return c.clear(UserKey)
}

// LoadUsers returns the cached known-user set, or nil when the slot is empty.
func (c *Cache) LoadUsers() ([]*model.UserProfile, error) {
	var users []*model.UserProfile
	if _, err := c.load(AllUsersKey, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// SaveUsers writes the known-user set slot.
func (c *Cache) SaveUsers(users []*model.UserProfile) error {
	return c.save(AllUsersKey, users)
}

// ClearUsers empties the known-user set slot.
func (c *Cache) ClearUsers() error {
	return c.clear(AllUsersKey)
}

// Close closes the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) load(key string, dst any) (bool, error) {
	raw, ok, err := c.backend.Get(key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, &ParseError{Key: key, Err: err}
	}
	return true, nil
}

func (c *Cache) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.backend.Set(key, string(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (c *Cache) clear(key string) error {
	if err := c.backend.Delete(key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	return nil
}

// IsParseError reports whether err is a corrupt-slot error.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Memory is an in-process Backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Backend.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Backend.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	return nil
}
