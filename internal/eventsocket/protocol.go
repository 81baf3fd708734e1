// Package eventsocket implements the voice-switch wire contract of
// spec §6: a line-delimited header/value event stream inbound, and a
// line-delimited request/response command channel outbound, over the
// same persistent TCP connection. Grounded on the teacher's
// internal/agi/server.go (header-block connection handling) and
// internal/ami/manager.go (persistent-connection command/response
// correlation).
package eventsocket

import (
    "bufio"
    "strconv"
    "strings"
    "time"

    "github.com/jesus-bazan-entel/apolobilling/internal/cdr"
    "github.com/jesus-bazan-entel/apolobilling/internal/models"
)

// EventKind identifies which of the three §4.1 lifecycle events a
// parsed header block represents.
type EventKind string

const (
    EventChannelCreate         EventKind = "CHANNEL_CREATE"
    EventChannelAnswer         EventKind = "CHANNEL_ANSWER"
    EventChannelHangupComplete EventKind = "CHANNEL_HANGUP_COMPLETE"
)

// Event is a parsed header block, still keyed by raw header name so
// callers can reach additional variable_ fields without a schema
// change here.
type Event struct {
    Kind    EventKind
    Headers map[string]string
}

// readBlock reads raw lines up to and excluding the terminating blank
// line, the wire shape every event and command response uses. The
// first line is returned separately so callers can distinguish a
// command response ("+OK"/"-ERR") from a header block before parsing.
func readBlock(r *bufio.Reader) (first string, rest []string, err error) {
    for {
        line, err := r.ReadString('\n')
        if err != nil {
            return "", nil, err
        }
        line = strings.TrimRight(line, "\r\n")
        if line == "" {
            if first == "" && rest == nil {
                continue // tolerate stray blank lines between blocks
            }
            break
        }
        if first == "" && rest == nil {
            first = line
            rest = []string{}
            continue
        }
        rest = append(rest, line)
    }
    return first, rest, nil
}

func parseHeaderLines(first string, rest []string) map[string]string {
    headers := make(map[string]string)
    for _, line := range append([]string{first}, rest...) {
        idx := strings.Index(line, ":")
        if idx < 0 {
            continue
        }
        key := strings.TrimSpace(line[:idx])
        value := strings.TrimSpace(line[idx+1:])
        headers[key] = value
    }
    return headers
}

func isCommandResponse(line string) bool {
    return strings.HasPrefix(line, "+OK") || strings.HasPrefix(line, "-ERR")
}

// ParseEvent classifies a header block into one of the three accepted
// §4.1 event kinds. An unrecognized Event-Name is a ProtocolError the
// caller logs and discards without disrupting other calls.
func ParseEvent(headers map[string]string) (*Event, bool) {
    name := headers["Event-Name"]
    switch name {
    case string(EventChannelCreate), string(EventChannelAnswer), string(EventChannelHangupComplete):
        return &Event{Kind: EventKind(name), Headers: headers}, true
    default:
        return nil, false
    }
}

func (e *Event) callUUID() string {
    return e.Headers["Unique-ID"]
}

// ChannelCreate extracts the channel_create fields of §6's required
// headers table.
type ChannelCreate struct {
    CallUUID     string
    CallerNumber string
    CalledNumber string
    Direction    models.CallDirection
    StartTime    time.Time
}

func (e *Event) AsChannelCreate() ChannelCreate {
    return ChannelCreate{
        CallUUID:     e.callUUID(),
        CallerNumber: e.Headers["Caller-Caller-ID-Number"],
        CalledNumber: e.Headers["Caller-Destination-Number"],
        Direction:    parseDirection(e.Headers["Call-Direction"]),
        StartTime:    parseTimestampHeader(e.Headers, "Event-Date-Timestamp", "variable_start_epoch"),
    }
}

// ChannelAnswer extracts the channel_answer fields.
type ChannelAnswer struct {
    CallUUID   string
    AnswerTime time.Time
}

func (e *Event) AsChannelAnswer() ChannelAnswer {
    return ChannelAnswer{
        CallUUID:   e.callUUID(),
        AnswerTime: parseTimestampHeader(e.Headers, "", "variable_answer_epoch"),
    }
}

// AsHangup extracts the channel_hangup_complete fields into the shape
// the CDR generator consumes.
func (e *Event) AsHangup() cdr.HangupEvent {
    h := e.Headers
    var answerTime *time.Time
    if v, ok := h["variable_answer_epoch"]; ok && v != "" && v != "0" {
        t := parseTimestampHeader(h, "", "variable_answer_epoch")
        answerTime = &t
    }

    return cdr.HangupEvent{
        CallUUID:     e.callUUID(),
        CallerNumber: h["Caller-Caller-ID-Number"],
        CalledNumber: h["Caller-Destination-Number"],
        Direction:    parseDirection(h["Call-Direction"]),
        HangupCause:  h["variable_hangup_cause"],
        Duration:     atoiOr(h["variable_duration"], 0),
        Billsec:      atoiOr(h["variable_billsec"], 0),
        StartTime:    parseTimestampHeader(h, "", "variable_start_epoch"),
        AnswerTime:   answerTime,
        EndTime:      parseTimestampHeader(h, "", "variable_end_epoch"),
    }
}

func parseDirection(v string) models.CallDirection {
    if strings.EqualFold(v, "outbound") {
        return models.DirectionOutbound
    }
    return models.DirectionInbound
}

func parseTimestampHeader(headers map[string]string, primary, fallback string) time.Time {
    raw := ""
    if primary != "" {
        raw = headers[primary]
    }
    if raw == "" && fallback != "" {
        raw = headers[fallback]
    }
    if raw == "" {
        return time.Now().UTC()
    }
    n, err := strconv.ParseInt(raw, 10, 64)
    if err != nil {
        return time.Now().UTC()
    }
    return cdr.ParseSwitchTimestamp(n)
}

func atoiOr(v string, def int) int {
    if v == "" {
        return def
    }
    n, err := strconv.Atoi(v)
    if err != nil {
        return def
    }
    return n
}
