package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// session is the per-conversation state. It is mutated in place every turn,
// so turns on the same session are serialized through mu; turns on distinct
// sessions proceed in parallel.
type session struct {
	mu sync.Mutex

	// history is the ordered message log (user and assistant turns).
	history []*schema.Message
	// terms is the accumulated context-term set, oldest first. Set
	// semantics with case-insensitive identity; capped, oldest evicted.
	terms []string
	// objective is the last inferred objective phrase.
	objective string

	// lastUsed drives TTL expiry. Guarded by the store's lock, not mu.
	lastUsed time.Time
}

// addTerms merges new terms into the session's term set, evicting the oldest
// entries beyond cap.
func (s *session) addTerms(terms []string, cap int) {
	seen := map[string]bool{}
	for _, t := range s.terms {
		seen[lower(t)] = true
	}
	for _, t := range terms {
		if seen[lower(t)] {
			continue
		}
		seen[lower(t)] = true
		s.terms = append(s.terms, t)
	}
	if len(s.terms) > cap {
		s.terms = s.terms[len(s.terms)-cap:]
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// sessionStore keeps live sessions with LRU + TTL eviction. Without a cap
// the per-session state would grow without bound across clients.
type sessionStore struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

// lruEntry is the list payload.
type lruEntry struct {
	id   string
	sess *session
}

// newSessionStore constructs a store with the given capacity and idle TTL.
func newSessionStore(cap int, ttl time.Duration) *sessionStore {
	if cap <= 0 {
		cap = 512
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &sessionStore{
		cap:     cap,
		ttl:     ttl,
		entries: map[string]*list.Element{},
		order:   list.New(),
		now:     time.Now,
	}
}

// get returns the session for id, creating it if absent or expired. An empty
// id mints a fresh session id. The returned id identifies the session the
// caller actually got.
func (st *sessionStore) get(id string) (*session, string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	if id == "" {
		id = uuid.NewString()
	}

	if el, ok := st.entries[id]; ok {
		entry := el.Value.(*lruEntry)
		if now.Sub(entry.sess.lastUsed) <= st.ttl {
			entry.sess.lastUsed = now
			st.order.MoveToFront(el)
			return entry.sess, id
		}
		// Expired: discard the stale state and start fresh below.
		st.order.Remove(el)
		delete(st.entries, id)
	}

	sess := &session{lastUsed: now}
	st.entries[id] = st.order.PushFront(&lruEntry{id: id, sess: sess})
	st.evictLocked(now)
	return sess, id
}

// evictLocked drops expired sessions and, if still over capacity, the least
// recently used ones. Caller holds st.mu.
func (st *sessionStore) evictLocked(now time.Time) {
	for el := st.order.Back(); el != nil; {
		entry := el.Value.(*lruEntry)
		prev := el.Prev()
		if now.Sub(entry.sess.lastUsed) > st.ttl {
			st.order.Remove(el)
			delete(st.entries, entry.id)
		}
		el = prev
	}
	for st.order.Len() > st.cap {
		el := st.order.Back()
		entry := el.Value.(*lruEntry)
		st.order.Remove(el)
		delete(st.entries, entry.id)
	}
}

// len returns the number of live sessions.
func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.order.Len()
}
