package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

// ResponseCache keeps successful buffered upstream responses keyed by the exact upstream body.
type ResponseCache struct {
	entries *lru.Cache[string, cachedResponse]
}

// NewResponseCache returns an LRU cache holding at most size responses.
func NewResponseCache(size int) (*ResponseCache, error) {
	entries, err := lru.New[string, cachedResponse](size)
	if err != nil {
		return nil, fmt.Errorf("relay: response cache: %w", err)
	}
	return &ResponseCache{entries: entries}, nil
}

// Get returns a copy of the cached result for payload.
func (c *ResponseCache) Get(payload []byte) (*Result, bool) {
	entry, ok := c.entries.Get(cacheKey(payload))
	if !ok {
		return nil, false
	}
	return &Result{
		Status:      entry.status,
		ContentType: entry.contentType,
		Body:        append([]byte(nil), entry.body...),
		Cached:      true,
	}, true
}

// Put stores a 2xx buffered result.
func (c *ResponseCache) Put(payload []byte, result *Result) {
	if result == nil || result.Stream != nil || result.Status < 200 || result.Status >= 300 {
		return
	}
	c.entries.Add(cacheKey(payload), cachedResponse{
		status:      result.Status,
		contentType: result.ContentType,
		body:        append([]byte(nil), result.Body...),
	})
}

// Len reports the number of cached responses.
func (c *ResponseCache) Len() int {
	return c.entries.Len()
}

func cacheKey(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
