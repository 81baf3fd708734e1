package eventsocket

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strings"
    "sync"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/config"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// Conn is the session-scoped capability the event handler is given,
// per spec §9's redesign note: it exposes only the kill command, not
// the raw connection, so callers cannot reach arbitrary switch state.
// Grounded on internal/ami/manager.go's persistent-connection
// request/response correlation, simplified to one in-flight command at
// a time per connection (kill commands are infrequent and never
// pipelined by the switch).
type Conn struct {
    raw    net.Conn
    reader *bufio.Reader
    cfg    config.SwitchConfig

    writeMu sync.Mutex
    pending chan string
}

func newConn(raw net.Conn, cfg config.SwitchConfig) *Conn {
    return &Conn{
        raw:     raw,
        reader:  bufio.NewReader(raw),
        cfg:     cfg,
        pending: make(chan string, 1),
    }
}

func (c *Conn) Close() error {
    return c.raw.Close()
}

// deliverResponse routes a "+OK"/"-ERR" line read by the server's
// serve loop to whichever command is currently awaiting a reply.
func (c *Conn) deliverResponse(line string) {
    select {
    case c.pending <- line:
    default:
        // No command is awaiting a reply (late or duplicate response);
        // drop it rather than block the read loop.
    }
}

// Kill issues `api uuid_kill <call_uuid> <reason>\n\n` and waits for
// the single-line +OK/-ERR reply, per spec §6.
func (c *Conn) Kill(ctx context.Context, callUUID, reason string) error {
    c.writeMu.Lock()
    defer c.writeMu.Unlock()

    cmd := fmt.Sprintf("api uuid_kill %s %s\n\n", callUUID, reason)
    if c.cfg.WriteTimeout > 0 {
        c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
    }
    if _, err := c.raw.Write([]byte(cmd)); err != nil {
        return errors.Wrap(err, errors.ErrSwitchConnection, "failed to write kill command")
    }

    timeout := c.cfg.CommandTimeout
    if timeout <= 0 {
        timeout = 2 * time.Second
    }
    select {
    case line := <-c.pending:
        if strings.HasPrefix(line, "-ERR") {
            return errors.New(errors.ErrSwitchConnection, "switch rejected kill command: "+line)
        }
        return nil
    case <-ctx.Done():
        return errors.Wrap(ctx.Err(), errors.ErrSwitchTimeout, "kill command context cancelled")
    case <-time.After(timeout):
        return errors.New(errors.ErrSwitchTimeout, "kill command response timed out")
    }
}
