package csrf

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of independently locked partitions in a Store.
const DefaultShards = 32

// Token is the secret issued to one session key.
type Token struct {
	Secret    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
// A token is still valid at exactly ExpiresAt.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type shard struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// Store holds at most one live token per session key.
// Keys are spread over shards by hash; all access to a key happens under its shard lock,
// so secret and expiry are always read and written together.
type Store struct {
	shards []*shard
}

// NewStore creates a Store with n shards (DefaultShards when n <= 0).
func NewStore(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{tokens: make(map[string]Token)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Put stores tok for key, replacing any previous token.
func (s *Store) Put(key string, tok Token) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.tokens[key] = tok
	sh.mu.Unlock()
}

// Get returns the token stored for key.
func (s *Store) Get(key string) (Token, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	tok, ok := sh.tokens[key]
	return tok, ok
}

// Lookup returns the token for key as of now. An expired token is deleted before
// returning, inside the same critical section that observed it, so a token issued
// concurrently for the same key is never the one removed.
func (s *Store) Lookup(key string, now time.Time) (tok Token, found, expired bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tok, found = sh.tokens[key]
	if !found {
		return Token{}, false, false
	}
	if tok.Expired(now) {
		delete(sh.tokens, key)
		return tok, true, true
	}
	return tok, true, false
}

// Sweep removes every token that has expired at now and returns how many were removed.
// Shards are locked one at a time; each expiry check reads the entry it deletes.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, tok := range sh.tokens {
			if tok.Expired(now) {
				delete(sh.tokens, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored tokens, expired or not.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.tokens)
		sh.mu.Unlock()
	}
	return n
}
