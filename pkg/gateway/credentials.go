package gateway

import (
	"errors"
	"sync"
)

// ErrNoAPIKey is returned by every call made before an API key is set.
var ErrNoAPIKey = errors.New("gateway: API key is not set")

// Credentials holds the API key sent with every request.
type Credentials struct {
	mu  sync.RWMutex
	key string
}

// NewCredentials returns Credentials holding key. An empty key leaves them unset.
func NewCredentials(key string) *Credentials {
	return &Credentials{key: key}
}

// Set replaces the API key.
func (c *Credentials) Set(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// Key returns the API key or ErrNoAPIKey when none is set.
func (c *Credentials) Key() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == "" {
		return "", ErrNoAPIKey
	}
	return c.key, nil
}

// HasKey reports whether an API key is set.
func (c *Credentials) HasKey() bool {
	_, err := c.Key()
	return err == nil
}
