package accounts

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Locker serialises work per account id. Key issuance and co-signing share a
// Locker so a signing round never races a mutation of the same account.
type Locker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock acquires the locks of ids in ascending order and returns a function
// releasing all of them. Duplicate ids are locked once.
func (l *Locker) Lock(ids ...uuid.UUID) (unlock func()) {
	ordered := dedupe(ids)

	entries := make([]*lockEntry, 0, len(ordered))
	for _, id := range ordered {
		e := l.acquire(id)
		e.mu.Lock()
		entries = append(entries, e)
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			l.release(ordered[i])
		}
	}
}

func (l *Locker) acquire(id uuid.UUID) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{}
		l.locks[id] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
