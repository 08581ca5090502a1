package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
	llm "github.com/aibridge/aibridge/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// ResponseCache memoizes completed non-streaming chat responses. Keys are
// content-addressed over the full request shape; entries expire after the TTL
// and the least-recently-used fall out when the size budget is exceeded.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	lru      *list.List // front = most recently used
	size     int64
	maxBytes int64
	ttl      time.Duration

	hits     int64
	misses   int64
	savedUSD float64

	logger *zap.Logger
}

type cacheEntry struct {
	key      string
	resp     llm.ChatResponse
	storedAt time.Time
	hits     int
	size     int64
	elem     *list.Element
}

// Stats is the informational snapshot exposed on /stats.
type Stats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	SavedUSD  float64 `json:"savedUSD"`
}

// New creates a cache with the given size budget and TTL.
func New(maxMB int, ttl time.Duration, logger *zap.Logger) *ResponseCache {
	if maxMB <= 0 {
		maxMB = 100
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResponseCache{
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		maxBytes: int64(maxMB) * 1024 * 1024,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "response-cache")),
	}
}

// Key derives the content address for a request. Inputs are normalized so
// whitespace and timestamp noise do not fragment the cache.
func Key(provider, model string, messages []entity.Message, tools []entity.ToolDef, temperature float64, maxTokens int) string {
	h := sha256.New()
	sep := []byte{0}

	h.Write([]byte(provider))
	h.Write(sep)
	h.Write([]byte(model))
	h.Write(sep)

	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write(sep)
		h.Write([]byte(normalizeText(m.Content)))
		h.Write(sep)
		h.Write([]byte(m.ToolCallID))
		h.Write(sep)
		if len(m.ToolCalls) > 0 {
			// encoding/json sorts map keys, which canonicalizes arguments.
			b, _ := json.Marshal(m.ToolCalls)
			h.Write(b)
		}
		h.Write(sep)
	}

	if len(tools) > 0 {
		b, _ := json.Marshal(tools)
		h.Write(b)
	}
	h.Write(sep)
	fmt.Fprintf(h, "%g", temperature)
	h.Write(sep)
	fmt.Fprintf(h, "%d", maxTokens)

	return hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether a response may be stored: completed text answers
// only, never tool-call turns.
func Cacheable(resp *llm.ChatResponse) bool {
	if resp == nil || len(resp.ToolCalls) > 0 {
		return false
	}
	return resp.FinishReason == llm.FinishStop || resp.FinishReason == llm.FinishLength
}

// Lookup returns a copy of the cached response if present and fresh. A hit
// adds the original completion cost to the savedUSD counter.
func (c *ResponseCache) Lookup(key string) (*llm.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}

	e.hits++
	c.hits++
	c.savedUSD += e.resp.Usage.Cost
	c.lru.MoveToFront(e.elem)

	cp := e.resp
	return &cp, true
}

// Store inserts a cacheable response and evicts LRU entries past the budget.
// Non-cacheable responses are dropped silently.
func (c *ResponseCache) Store(key string, resp *llm.ChatResponse) {
	if !Cacheable(resp) {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	size := int64(len(b))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	e := &cacheEntry{
		key:      key,
		resp:     *resp,
		storedAt: time.Now(),
		size:     size,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.size += size

	for c.size > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*cacheEntry)
		c.removeLocked(evicted)
		c.logger.Debug("Cache entry evicted", zap.String("key", shortKey(evicted.key)))
	}
}

// Snapshot returns current cache statistics.
func (c *ResponseCache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		SizeBytes: c.size,
		Hits:      c.hits,
		Misses:    c.misses,
		SavedUSD:  c.savedUSD,
	}
}

// --- Internal ---

func (c *ResponseCache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	c.size -= e.size
}

// normalizeText trims trailing whitespace per line and normalizes line
// endings so formatting variants address the same entry.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n ")
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
