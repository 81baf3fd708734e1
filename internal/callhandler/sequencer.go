// Package callhandler is the orchestration root of spec §4.1: it
// receives parsed voice-switch events from internal/eventsocket and
// drives authorization, the realtime monitor, and CDR generation.
// Grounded on the teacher's internal/router/router.go (Router is the
// single dispatch point composing provider lookup, DID allocation, and
// call state).
package callhandler

import "sync"

// sequencer serializes event processing per call_uuid, generalizing
// the teacher's single sync.RWMutex over activeCalls into one lock per
// key so unrelated calls never contend (spec §5: "events for different
// call_uuids may execute fully in parallel").
type sequencer struct {
    mu    sync.Mutex
    locks map[string]*sync.Mutex
}

func newSequencer() *sequencer {
    return &sequencer{locks: make(map[string]*sync.Mutex)}
}

// With runs fn holding the exclusive lock for callUUID, creating the
// lock on first use.
func (s *sequencer) With(callUUID string, fn func()) {
    s.mu.Lock()
    lock, ok := s.locks[callUUID]
    if !ok {
        lock = &sync.Mutex{}
        s.locks[callUUID] = lock
    }
    s.mu.Unlock()

    lock.Lock()
    defer lock.Unlock()
    fn()
}

// Forget drops the lock for a call that has finished, bounding the map
// to concurrently active calls rather than every call_uuid ever seen.
func (s *sequencer) Forget(callUUID string) {
    s.mu.Lock()
    delete(s.locks, callUUID)
    s.mu.Unlock()
}
