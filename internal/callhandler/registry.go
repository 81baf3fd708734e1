package callhandler

import (
    "context"
    "sync"

    "github.com/jesus-bazan-entel/apolobilling/internal/eventsocket"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// connRegistry tracks which physical switch connection carried a
// call's channel_create, so the realtime monitor — which runs on its
// own ticker, independent of the event stream — can issue a kill
// command on the correct connection. Implements monitor.Killer.
type connRegistry struct {
    mu    sync.Mutex
    conns map[string]*eventsocket.Conn
}

func newConnRegistry() *connRegistry {
    return &connRegistry{conns: make(map[string]*eventsocket.Conn)}
}

func (r *connRegistry) Track(callUUID string, conn *eventsocket.Conn) {
    r.mu.Lock()
    r.conns[callUUID] = conn
    r.mu.Unlock()
}

func (r *connRegistry) Forget(callUUID string) {
    r.mu.Lock()
    delete(r.conns, callUUID)
    r.mu.Unlock()
}

func (r *connRegistry) Kill(ctx context.Context, callUUID, reason string) error {
    r.mu.Lock()
    conn, ok := r.conns[callUUID]
    r.mu.Unlock()
    if !ok {
        return errors.New(errors.ErrSwitchConnection, "no tracked connection for call")
    }
    return conn.Kill(ctx, callUUID, reason)
}
