package realtimetest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
)

// credentials maps hashed bearer tokens to users. Plain tokens are never
// kept after registration.
type credentials struct {
	key []byte

	mu     sync.RWMutex
	byHash map[string]string // hmac(token) -> user id
}

func newCredentials(users []User) *credentials {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	c := &credentials{key: key, byHash: make(map[string]string, len(users))}
	for _, u := range users {
		if strings.TrimSpace(u.Token) != "" {
			c.byHash[c.hash(u.Token)] = u.ID
		}
	}
	return c
}

func (c *credentials) hash(token string) string {
	m := hmac.New(sha256.New, c.key)
	_, _ = m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

// lookup returns the user owning token.
func (c *credentials) lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	want := c.hash(token)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for h, id := range c.byHash {
		if hmac.Equal([]byte(h), []byte(want)) {
			return id, true
		}
	}
	return "", false
}

// revoke forgets every credential of userID.
func (c *credentials) revoke(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, id := range c.byHash {
		if id == userID {
			delete(c.byHash, h)
		}
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
