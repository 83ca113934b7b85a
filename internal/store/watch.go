package store

import "log"

// Event is a row-level change notification.
type Event struct {
	Op    string `json:"op"` // insert|update|delete
	Table string `json:"table"`
	ID    string `json:"id"`
}

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Watch returns a channel of change events for the given table and a cancel
// function. Events are emitted after the mutation committed.
func (s *DB) Watch(table string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.watchMu.Lock()
	set, ok := s.watchers[table]
	if !ok {
		set = make(map[chan Event]struct{})
		s.watchers[table] = set
	}
	set[ch] = struct{}{}
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		if set, ok := s.watchers[table]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

func (s *DB) notify(op, table, id string) {
	evt := Event{Op: op, Table: table, ID: id}
	s.watchMu.RLock()
	for ch := range s.watchers[table] {
		select {
		case ch <- evt:
		default:
			log.Printf("STORE: watcher full, dropping %s %s/%s", op, table, id)
		}
	}
	s.watchMu.RUnlock()
}
