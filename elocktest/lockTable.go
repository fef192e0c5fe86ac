package elocktest

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/jimsnab/go-treestore"
)

type (
	// lockRecord is the stored form of one locked key. An exclusive lock
	// has an Owner; a value lock has a Value and one or more Holders.
	lockRecord struct {
		Key     string   `json:"key"`
		Owner   string   `json:"owner,omitempty"`
		Value   string   `json:"value,omitempty"`
		Holders []string `json:"holders,omitempty"`
	}

	lockWait struct {
		key       string
		exclusive bool
	}

	// lockTable holds every lock of the server in a treestore, keyed by
	// /locks/<key>. Waiters park on the changed channel, which is replaced
	// each time a lock is released.
	lockTable struct {
		l       lane.Lane
		mu      sync.Mutex
		ts      *treestore.TreeStore
		changed chan struct{}
		waits   map[string]lockWait // session id -> pending request
	}
)

const (
	lockGranted = iota
	lockContended
	lockDeadlocked
)

func newLockTable(l lane.Lane) *lockTable {
	return &lockTable{
		l:       l,
		ts:      treestore.NewTreeStore(l.Derive(), 1),
		changed: make(chan struct{}),
		waits:   map[string]lockWait{},
	}
}

func lockStoreKey(key string) treestore.StoreKey {
	return treestore.MakeStoreKey("locks", key)
}

func valueBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func (lt *lockTable) getUnlocked(key string) (rec *lockRecord) {
	val, _, valExists := lt.ts.GetKeyValue(lockStoreKey(key))
	if !valExists {
		return
	}

	rec = &lockRecord{}
	if err := json.Unmarshal(valueBytes(val), rec); err != nil {
		lt.l.Errorf("corrupt lock record for %s: %s", key, err)
		rec = nil
	}
	return
}

func (lt *lockTable) putUnlocked(rec *lockRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		lt.l.Errorf("unable to marshal lock record for %s: %s", rec.Key, err)
		return
	}
	lt.ts.SetKeyValue(lockStoreKey(rec.Key), data)
}

func (lt *lockTable) deleteUnlocked(key string) {
	lt.ts.DeleteKeyWithValue(lockStoreKey(key), true)
	close(lt.changed)
	lt.changed = make(chan struct{})
}

func (lt *lockTable) recordsUnlocked() []*lockRecord {
	matches := lt.ts.GetMatchingKeyValues(treestore.MakeStoreKeyFromPath("/locks/*"), 0, 1000000)
	records := make([]*lockRecord, 0, len(matches))
	for _, match := range matches {
		rec := &lockRecord{}
		if err := json.Unmarshal(valueBytes(match.CurrentValue), rec); err != nil {
			lt.l.Errorf("corrupt lock record at %s: %s", string(match.Key), err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records
}

func (lt *lockTable) tryLockUnlocked(session, key string) bool {
	rec := lt.getUnlocked(key)
	if rec == nil {
		lt.putUnlocked(&lockRecord{Key: key, Owner: session})
		return true
	}
	return rec.Owner == session
}

func (lt *lockTable) tryLockValueUnlocked(session, key, value string) bool {
	rec := lt.getUnlocked(key)
	if rec == nil {
		lt.putUnlocked(&lockRecord{Key: key, Value: value, Holders: []string{session}})
		return true
	}
	if rec.Owner != "" || rec.Value != value {
		return false
	}
	for _, holder := range rec.Holders {
		if holder == session {
			return true
		}
	}
	rec.Holders = append(rec.Holders, session)
	lt.putUnlocked(rec)
	return true
}

// Follows the wait-for chain from the owner of key. Reaching session
// means that waiting would close a cycle. Value locks are shared, so the
// chain stops at them.
func (lt *lockTable) wouldDeadlockUnlocked(session, key string) bool {
	seen := map[string]bool{}
	for {
		rec := lt.getUnlocked(key)
		if rec == nil || rec.Owner == "" {
			return false
		}
		if rec.Owner == session {
			return true
		}
		if seen[rec.Owner] {
			return false
		}
		seen[rec.Owner] = true

		wait, waiting := lt.waits[rec.Owner]
		if !waiting || !wait.exclusive {
			return false
		}
		key = wait.key
	}
}

// Acquires key for session, waiting up to wait for it to become free.
// An empty value requests an exclusive lock. The wait ends early with
// lockContended when abort is closed.
func (lt *lockTable) acquire(session, key, value string, wait time.Duration, abort <-chan struct{}) int {
	deadline := time.Now().Add(wait)
	exclusive := value == ""

	lt.mu.Lock()
	defer lt.mu.Unlock()

	for {
		var granted bool
		if exclusive {
			granted = lt.tryLockUnlocked(session, key)
		} else {
			granted = lt.tryLockValueUnlocked(session, key, value)
		}
		if granted {
			return lockGranted
		}

		if exclusive && lt.wouldDeadlockUnlocked(session, key) {
			return lockDeadlocked
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lockContended
		}

		lt.waits[session] = lockWait{key: key, exclusive: exclusive}
		changed := lt.changed
		lt.mu.Unlock()

		timer := time.NewTimer(remaining)
		aborted := false
		select {
		case <-changed:
		case <-timer.C:
		case <-abort:
			aborted = true
		}
		timer.Stop()

		lt.mu.Lock()
		delete(lt.waits, session)
		if aborted {
			return lockContended
		}
	}
}

func (lt *lockTable) release(session, key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.releaseUnlocked(session, key)
}

func (lt *lockTable) releaseUnlocked(session, key string) bool {
	rec := lt.getUnlocked(key)
	if rec == nil {
		return false
	}

	if rec.Owner != "" {
		if rec.Owner != session {
			return false
		}
		lt.deleteUnlocked(key)
		return true
	}

	for i, holder := range rec.Holders {
		if holder == session {
			rec.Holders = append(rec.Holders[:i], rec.Holders[i+1:]...)
			if len(rec.Holders) == 0 {
				lt.deleteUnlocked(key)
			} else {
				lt.putUnlocked(rec)
			}
			return true
		}
	}
	return false
}

// Releases every lock of session and returns how many were held.
func (lt *lockTable) releaseAll(session string) (count int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, rec := range lt.recordsUnlocked() {
		if rec.heldBy(session) && lt.releaseUnlocked(session, rec.Key) {
			count++
		}
	}
	return
}

// Moves the locks of one session id to another.
func (lt *lockTable) transfer(from, to string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, rec := range lt.recordsUnlocked() {
		if !rec.heldBy(from) {
			continue
		}
		if rec.Owner == from {
			rec.Owner = to
		} else {
			holders := make([]string, 0, len(rec.Holders))
			for _, holder := range rec.Holders {
				if holder != from && holder != to {
					holders = append(holders, holder)
				}
			}
			rec.Holders = append(holders, to)
		}
		lt.putUnlocked(rec)
	}
}

func (lt *lockTable) heldCount(session string) (count int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, rec := range lt.recordsUnlocked() {
		if rec.heldBy(session) {
			count++
		}
	}
	return
}

type tableSnapshot struct {
	records []*lockRecord
	waits   map[string]lockWait
}

func (lt *lockTable) snapshot() tableSnapshot {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	waits := make(map[string]lockWait, len(lt.waits))
	for session, wait := range lt.waits {
		waits[session] = wait
	}
	return tableSnapshot{records: lt.recordsUnlocked(), waits: waits}
}

func (rec *lockRecord) heldBy(session string) bool {
	if rec.Owner != "" {
		return rec.Owner == session
	}
	for _, holder := range rec.Holders {
		if holder == session {
			return true
		}
	}
	return false
}

// Renders the record as a debug descriptor.
func (rec *lockRecord) String() string {
	if rec.Owner != "" {
		return rec.Key + " " + rec.Owner
	}
	return rec.Key + " " + rec.Value + " " + strings.Join(rec.Holders, ",")
}
