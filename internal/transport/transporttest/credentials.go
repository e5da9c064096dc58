package transporttest

import (
	"context"
	"sync"
)

// Credentials is an in-memory transport.Credentials.
type Credentials struct {
	mu     sync.Mutex
	values map[string]string
}

// NewCredentials returns a store preloaded with values.
func NewCredentials(values map[string]string) *Credentials {
	c := &Credentials{values: make(map[string]string)}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *Credentials) GetCredential(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *Credentials) SetCredential(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *Credentials) RemoveCredentials(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
	}
	return nil
}

// Get is a test accessor.
func (c *Credentials) Get(key string) string {
	v, _ := c.GetCredential(context.Background(), key)
	return v
}
