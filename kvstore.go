package dht

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// kvEntry is one stored value. The original key is only known for entries
// placed through Put on this node; values learned from STORE and VALUE
// messages arrive keyed by identifier alone.
type kvEntry struct {
	originalKey string
	hasOriginal bool
	value       string
}

func newKeyValueStore() *keyValueStore {
	return &keyValueStore{entries: make(map[UID]kvEntry)}
}

// keyValueStore maps identifiers to values. Every operation observes a
// consistent per-call snapshot; later writes to the same identifier
// overwrite earlier ones. Entries are never removed.
type keyValueStore struct {
	sync.Mutex
	entries map[UID]kvEntry
}

// put overwrite-inserts a value with its original key recorded.
func (s *keyValueStore) put(id UID, originalKey, value string) {
	s.Lock()
	s.entries[id] = kvEntry{originalKey: originalKey, hasOriginal: true, value: value}
	s.Unlock()
}

// putCached overwrite-inserts a value whose original key is unknown.
func (s *keyValueStore) putCached(id UID, value string) {
	s.Lock()
	s.entries[id] = kvEntry{value: value}
	s.Unlock()
}

func (s *keyValueStore) value(id UID) (string, bool) {
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[id]
	return e.value, ok
}

func (s *keyValueStore) originalKey(id UID) (string, bool) {
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.hasOriginal {
		return "", false
	}
	return e.originalKey, true
}

func (s *keyValueStore) contains(id UID) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.entries[id]
	return ok
}

// snapshot copies the whole store for the replicator; network I/O then
// proceeds without the lock.
func (s *keyValueStore) snapshot() map[UID]kvEntry {
	s.Lock()
	defer s.Unlock()
	out := make(map[UID]kvEntry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

// dump renders the store for the CLI. Entries without a known original key
// carry no annotation.
func (s *keyValueStore) dump() string {
	s.Lock()
	defer s.Unlock()
	var sb strings.Builder
	sb.WriteString("KeyValueStore {\n")
	for id, e := range s.entries {
		if e.hasOriginal {
			fmt.Fprintf(&sb, "  %s : %s (key: %s)\n", id, e.value, e.originalKey)
		} else {
			fmt.Fprintf(&sb, "  %s : %s\n", id, e.value)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

type kvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type kvDump struct {
	Data []kvPair `json:"data"`
}

// serialize produces the diagnostics form {"data": [{"key", "value"}, ...]}.
// It is never used on the wire and does not carry original keys.
func (s *keyValueStore) serialize() ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	d := kvDump{Data: make([]kvPair, 0, len(s.entries))}
	for id, e := range s.entries {
		d.Data = append(d.Data, kvPair{Key: string(id), Value: e.value})
	}
	return json.Marshal(d)
}

// load replaces the contents from a diagnostics dump, validating the exact
// field sets.
func (s *keyValueStore) load(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errors.Wrap(err, "kvstore: invalid JSON")
	}
	if err := checkFields(fields, []string{"data"}); err != nil {
		return errors.Wrap(err, "kvstore")
	}
	var rawPairs []json.RawMessage
	if err := json.Unmarshal(fields["data"], &rawPairs); err != nil {
		return errors.Wrap(err, "kvstore: data is not an array")
	}
	pairs := make([]kvPair, 0, len(rawPairs))
	for i, rp := range rawPairs {
		var pf map[string]json.RawMessage
		if err := json.Unmarshal(rp, &pf); err != nil {
			return errors.Wrapf(err, "kvstore: entry %d", i)
		}
		if err := checkFields(pf, []string{"key", "value"}); err != nil {
			return errors.Wrapf(err, "kvstore: entry %d", i)
		}
		var p kvPair
		if err := json.Unmarshal(rp, &p); err != nil {
			return errors.Wrapf(err, "kvstore: entry %d", i)
		}
		pairs = append(pairs, p)
	}

	s.Lock()
	defer s.Unlock()
	s.entries = make(map[UID]kvEntry, len(pairs))
	for _, p := range pairs {
		s.entries[UID(p.Key)] = kvEntry{value: p.Value}
	}
	return nil
}
