package llm

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoKeys is returned when a completion is requested with an empty key pool.
var ErrNoKeys = errors.New("no LLM API keys configured (set GROQ_API_KEYS)")

// KeyPool hands out API keys in round-robin order. Safe for concurrent use.
type KeyPool struct {
	mu   sync.Mutex
	keys []string
	next int
}

// NewKeyPool builds a pool from keys, dropping blanks.
func NewKeyPool(keys []string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// ParseKeys splits a comma-separated key list.
func ParseKeys(csv string) []string {
	var keys []string
	for _, k := range strings.Split(csv, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of keys in the pool.
func (p *KeyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Next returns the next key in rotation.
func (p *KeyPool) Next() (string, error) {
	if p.Len() == 0 {
		return "", ErrNoKeys
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.keys[p.next]
	p.next = (p.next + 1) % len(p.keys)
	return k, nil
}
