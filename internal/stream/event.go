package stream

import (
	"fmt"
	"strconv"
	"time"
)

type EventType string

const (
	EventStart EventType = "start"
	EventToken EventType = "token"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one entry of a session log. The set of implementations is closed:
// StartEvent, TokenEvent, EndEvent and ErrorEvent.
type Event interface {
	Type() EventType
	// Done reports whether the event terminates the session.
	Done() bool
	Time() time.Time
	sealed()
}

type StartEvent struct {
	Model     string
	Timestamp time.Time
}

type TokenEvent struct {
	Content     string
	FullContent string
	Timestamp   time.Time
}

type EndEvent struct {
	FullContent string
	TotalTime   time.Duration
	Timestamp   time.Time
}

type ErrorEvent struct {
	Error     string
	Timestamp time.Time
}

func (StartEvent) Type() EventType { return EventStart }
func (TokenEvent) Type() EventType { return EventToken }
func (EndEvent) Type() EventType   { return EventEnd }
func (ErrorEvent) Type() EventType { return EventError }

func (StartEvent) Done() bool { return false }
func (TokenEvent) Done() bool { return false }
func (EndEvent) Done() bool   { return true }
func (ErrorEvent) Done() bool { return true }

func (e StartEvent) Time() time.Time { return e.Timestamp }
func (e TokenEvent) Time() time.Time { return e.Timestamp }
func (e EndEvent) Time() time.Time   { return e.Timestamp }
func (e ErrorEvent) Time() time.Time { return e.Timestamp }

func (StartEvent) sealed() {}
func (TokenEvent) sealed() {}
func (EndEvent) sealed()   {}
func (ErrorEvent) sealed() {}

// Entry is an event together with its log id. Synthetic events produced by the relay have an empty ID.
type Entry struct {
	ID    string
	Event Event
}

// Log field names.
const (
	fieldType        = "type"
	fieldContent     = "content"
	fieldFullContent = "full_content"
	fieldDone        = "done"
	fieldError       = "error"
	fieldTimestamp   = "timestamp"
	fieldTotalTime   = "total_time"
	fieldModel       = "model"
)

// encodeEvent flattens an event into log fields. Timestamps are unix milliseconds,
// total_time is seconds.
func encodeEvent(ev Event) map[string]interface{} {
	fields := map[string]interface{}{
		fieldType:      string(ev.Type()),
		fieldDone:      strconv.FormatBool(ev.Done()),
		fieldTimestamp: strconv.FormatInt(ev.Time().UnixMilli(), 10),
	}
	switch e := ev.(type) {
	case StartEvent:
		fields[fieldContent] = ""
		fields[fieldModel] = e.Model
	case TokenEvent:
		fields[fieldContent] = e.Content
		fields[fieldFullContent] = e.FullContent
	case EndEvent:
		fields[fieldContent] = ""
		fields[fieldFullContent] = e.FullContent
		fields[fieldTotalTime] = strconv.FormatFloat(e.TotalTime.Seconds(), 'f', -1, 64)
	case ErrorEvent:
		fields[fieldContent] = ""
		fields[fieldError] = e.Error
	}
	return fields
}

// decodeEvent parses log fields back into a typed event.
func decodeEvent(fields map[string]interface{}) (Event, error) {
	typ := fieldString(fields, fieldType)
	ts, err := parseMillis(fieldString(fields, fieldTimestamp))
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", typ, err)
	}
	switch EventType(typ) {
	case EventStart:
		return StartEvent{Model: fieldString(fields, fieldModel), Timestamp: ts}, nil
	case EventToken:
		return TokenEvent{
			Content:     fieldString(fields, fieldContent),
			FullContent: fieldString(fields, fieldFullContent),
			Timestamp:   ts,
		}, nil
	case EventEnd:
		var total time.Duration
		if raw := fieldString(fields, fieldTotalTime); raw != "" {
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("decode end event total_time: %w", err)
			}
			total = time.Duration(secs * float64(time.Second))
		}
		return EndEvent{FullContent: fieldString(fields, fieldFullContent), TotalTime: total, Timestamp: ts}, nil
	case EventError:
		return ErrorEvent{Error: fieldString(fields, fieldError), Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", typ)
	}
}

func fieldString(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", raw, err)
	}
	return time.UnixMilli(ms), nil
}

// ClientEvent is the flattened form of an event sent to clients.
type ClientEvent struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
	// Cursor is the log entry id to resume after; empty for synthetic events.
	Cursor string `json:"-"`
}

// toClientEvent flattens an entry for transport. Start events are not forwarded.
func toClientEvent(entry Entry, messageID string) (ClientEvent, bool) {
	switch e := entry.Event.(type) {
	case TokenEvent:
		return ClientEvent{Content: e.Content, Cursor: entry.ID}, true
	case EndEvent:
		return ClientEvent{Done: true, ID: messageID, Cursor: entry.ID}, true
	case ErrorEvent:
		return ClientEvent{Done: true, ID: messageID, Error: e.Error, Cursor: entry.ID}, true
	default:
		return ClientEvent{}, false
	}
}
