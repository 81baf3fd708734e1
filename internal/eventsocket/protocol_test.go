package eventsocket

import (
    "bufio"
    "strings"
    "testing"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
)

func TestReadBlockSplitsFirstLine(t *testing.T) {
    r := bufio.NewReader(strings.NewReader("Event-Name: CHANNEL_CREATE\r\nUnique-ID: abc-123\r\n\r\n"))
    first, rest, err := readBlock(r)
    if err != nil {
        t.Fatalf("readBlock() error = %v", err)
    }
    if first != "Event-Name: CHANNEL_CREATE" {
        t.Fatalf("readBlock() first = %q", first)
    }
    if len(rest) != 1 || rest[0] != "Unique-ID: abc-123" {
        t.Fatalf("readBlock() rest = %v", rest)
    }
}

func TestReadBlockToleratesLeadingBlankLines(t *testing.T) {
    r := bufio.NewReader(strings.NewReader("\r\n\r\n+OK\r\n\r\n"))
    first, rest, err := readBlock(r)
    if err != nil {
        t.Fatalf("readBlock() error = %v", err)
    }
    if first != "+OK" {
        t.Fatalf("readBlock() first = %q, want +OK", first)
    }
    if len(rest) != 0 {
        t.Fatalf("readBlock() rest = %v, want empty", rest)
    }
}

func TestIsCommandResponse(t *testing.T) {
    cases := map[string]bool{
        "+OK":                true,
        "+OK call accepted":  true,
        "-ERR no such call":  true,
        "Event-Name: FOO":    false,
        "":                   false,
    }
    for line, want := range cases {
        if got := isCommandResponse(line); got != want {
            t.Errorf("isCommandResponse(%q) = %v, want %v", line, got, want)
        }
    }
}

func TestParseHeaderLines(t *testing.T) {
    headers := parseHeaderLines("Event-Name: CHANNEL_CREATE", []string{"Unique-ID: abc", "Caller-Caller-ID-Number: 1001"})
    if headers["Event-Name"] != "CHANNEL_CREATE" {
        t.Fatalf("headers[Event-Name] = %q", headers["Event-Name"])
    }
    if headers["Unique-ID"] != "abc" {
        t.Fatalf("headers[Unique-ID] = %q", headers["Unique-ID"])
    }
    if headers["Caller-Caller-ID-Number"] != "1001" {
        t.Fatalf("headers[Caller-Caller-ID-Number] = %q", headers["Caller-Caller-ID-Number"])
    }
}

func TestParseEventRecognizedKinds(t *testing.T) {
    for _, name := range []string{"CHANNEL_CREATE", "CHANNEL_ANSWER", "CHANNEL_HANGUP_COMPLETE"} {
        ev, ok := ParseEvent(map[string]string{"Event-Name": name})
        if !ok {
            t.Errorf("ParseEvent(%s) not recognized", name)
            continue
        }
        if string(ev.Kind) != name {
            t.Errorf("ParseEvent(%s) kind = %s", name, ev.Kind)
        }
    }
}

func TestParseEventUnrecognized(t *testing.T) {
    _, ok := ParseEvent(map[string]string{"Event-Name": "CHANNEL_PARK"})
    if ok {
        t.Fatal("ParseEvent() should reject unrecognized event names")
    }
}

func TestAsChannelCreate(t *testing.T) {
    ev := &Event{Kind: EventChannelCreate, Headers: map[string]string{
        "Unique-ID":                  "call-1",
        "Caller-Caller-ID-Number":    "1001",
        "Caller-Destination-Number":  "15551234567",
        "Call-Direction":             "outbound",
        "variable_start_epoch":       "1700000000",
    }}
    cc := ev.AsChannelCreate()
    if cc.CallUUID != "call-1" || cc.CallerNumber != "1001" || cc.CalledNumber != "15551234567" {
        t.Fatalf("AsChannelCreate() = %+v", cc)
    }
    if cc.Direction != models.DirectionOutbound {
        t.Fatalf("AsChannelCreate() direction = %s, want outbound", cc.Direction)
    }
}

func TestAsHangupAnswerTimeOmittedWhenZero(t *testing.T) {
    ev := &Event{Kind: EventChannelHangupComplete, Headers: map[string]string{
        "Unique-ID":             "call-1",
        "variable_answer_epoch": "0",
        "variable_duration":     "30",
        "variable_billsec":      "0",
        "variable_hangup_cause": "NO_ANSWER",
        "variable_end_epoch":    "1700000030",
    }}
    h := ev.AsHangup()
    if h.AnswerTime != nil {
        t.Fatal("AsHangup() should leave AnswerTime nil for an unanswered call")
    }
    if h.Duration != 30 {
        t.Fatalf("AsHangup() duration = %d, want 30", h.Duration)
    }
    if h.HangupCause != "NO_ANSWER" {
        t.Fatalf("AsHangup() hangup cause = %s", h.HangupCause)
    }
}

func TestAsHangupAnswerTimePresent(t *testing.T) {
    ev := &Event{Kind: EventChannelHangupComplete, Headers: map[string]string{
        "Unique-ID":             "call-1",
        "variable_answer_epoch": "1700000010",
        "variable_end_epoch":    "1700000040",
    }}
    h := ev.AsHangup()
    if h.AnswerTime == nil {
        t.Fatal("AsHangup() should populate AnswerTime when the header is non-zero")
    }
}

func TestAtoiOrFallback(t *testing.T) {
    if got := atoiOr("", 7); got != 7 {
        t.Fatalf("atoiOr empty = %d, want 7", got)
    }
    if got := atoiOr("not-a-number", 7); got != 7 {
        t.Fatalf("atoiOr invalid = %d, want 7", got)
    }
    if got := atoiOr("42", 7); got != 42 {
        t.Fatalf("atoiOr valid = %d, want 42", got)
    }
}

func TestParseDirectionCaseInsensitive(t *testing.T) {
    if got := parseDirection("OUTBOUND"); got != models.DirectionOutbound {
        t.Fatalf("parseDirection(OUTBOUND) = %s", got)
    }
    if got := parseDirection("inbound"); got != models.DirectionInbound {
        t.Fatalf("parseDirection(inbound) = %s", got)
    }
    if got := parseDirection(""); got != models.DirectionInbound {
        t.Fatalf("parseDirection('') = %s, want inbound default", got)
    }
}
