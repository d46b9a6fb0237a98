package routing

import (
	"maps"
	"strconv"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/payload"
)

// RequestType tells single messages from batch envelopes
type RequestType string

const (
	RequestSingle RequestType = "SINGLE"
	RequestBatch  RequestType = "BATCH"
)

// Record is the persisted form of a message
type Record struct {
	MessageID     string            `db:"message_id" json:"message_id"`
	Queue         string            `db:"queue" json:"queue"`
	CorrelationID string            `db:"correlation_id" json:"correlation_id,omitempty"`
	BatchID       string            `db:"batch_id" json:"batch_id,omitempty"`
	SessionID     string            `db:"session_id" json:"session_id,omitempty"`
	Requestor     string            `db:"requestor" json:"requestor,omitempty"`
	Responder     string            `db:"responder" json:"responder,omitempty"`
	RequestType   RequestType       `db:"request_type" json:"request_type"`
	Priority      int               `db:"priority" json:"priority"`
	Held          bool              `db:"held" json:"held"`
	Sequence      int               `db:"sequence" json:"sequence"`
	Feedback      string            `db:"feedback" json:"feedback,omitempty"`
	ValueDate     string            `db:"value_date" json:"value_date,omitempty"`
	Format        string            `db:"format" json:"format,omitempty"`
	Options       string            `db:"options" json:"options,omitempty"`
	Keywords      map[string]string `db:"-" json:"keywords,omitempty"`
	Payload       []byte            `db:"payload" json:"payload"`
}

// Message is the in-memory routing state of one persisted message. It is
// owned by exactly one job at a time.
type Message struct {
	Record

	evaluator payload.Evaluator
	fastpath  bool
}

// NewMessage wraps a persisted record
func NewMessage(rec Record) *Message {
	if rec.RequestType == "" {
		rec.RequestType = RequestSingle
	}
	return &Message{Record: rec}
}

// Evaluator returns the structured view of the payload, deriving it on first use
func (m *Message) Evaluator() payload.Evaluator {
	if m.evaluator == nil {
		m.evaluator = payload.Detect(m.Payload)
	}
	return m.evaluator
}

// SetPayload replaces the payload. The structured view is derived again on
// next use unless the message is fastpath.
func (m *Message) SetPayload(data []byte) {
	m.Payload = data
	if !m.fastpath {
		m.evaluator = nil
	}
}

// MarkFastpath suppresses re-evaluation of the structured payload for the
// rest of the job
func (m *Message) MarkFastpath() {
	m.fastpath = true
}

// Fastpath reports whether the message skips payload re-evaluation
func (m *Message) Fastpath() bool {
	return m.fastpath
}

// FeedbackCode is the reply correlation key derived from the payload and the
// current feedback code. It is nil for payloads without correlation data.
func (m *Message) FeedbackCode() *aggregation.Code {
	return m.Evaluator().GetAggregationCode(m.Feedback)
}

// Clone copies the message under a new id
func (m *Message) Clone(messageID string) *Message {
	rec := m.Record
	rec.MessageID = messageID
	rec.Keywords = maps.Clone(m.Keywords)
	rec.Payload = append([]byte(nil), m.Payload...)
	return &Message{Record: rec, fastpath: m.fastpath}
}

var knownMetadata = map[string]bool{
	"messageid":     true,
	"queue":         true,
	"sequence":      true,
	"priority":      true,
	"held":          true,
	"requesttype":   true,
	"batchid":       true,
	"correlationid": true,
	"sessionid":     true,
	"requestor":     true,
	"responder":     true,
	"feedback":      true,
	"valuedate":     true,
	"format":        true,
	"family":        true,
	"isreply":       true,
	"isack":         true,
	"isnack":        true,
	"isbusiness":    true,
	"fastpath":      true,
}

// Meta returns a metadata value by lower case name
func (m *Message) Meta(name string) (string, bool) {
	switch name {
	case "messageid":
		return m.MessageID, true
	case "queue":
		return m.Queue, true
	case "sequence":
		return strconv.Itoa(m.Sequence), true
	case "priority":
		return strconv.Itoa(m.Priority), true
	case "held":
		return strconv.FormatBool(m.Held), true
	case "requesttype":
		return string(m.RequestType), true
	case "batchid":
		return m.BatchID, true
	case "correlationid":
		return m.CorrelationID, true
	case "sessionid":
		return m.SessionID, true
	case "requestor":
		return m.Requestor, true
	case "responder":
		return m.Responder, true
	case "feedback":
		return m.Feedback, true
	case "valuedate":
		return m.ValueDate, true
	case "format":
		return m.Format, true
	case "family":
		return string(m.Evaluator().Family()), true
	case "isreply":
		return strconv.FormatBool(m.Evaluator().IsReply()), true
	case "isack":
		return strconv.FormatBool(m.Evaluator().IsAck()), true
	case "isnack":
		return strconv.FormatBool(m.Evaluator().IsNack()), true
	case "isbusiness":
		return strconv.FormatBool(m.Evaluator().IsBusinessFormat()), true
	case "fastpath":
		return strconv.FormatBool(m.fastpath), true
	}
	return "", false
}

// MetaMap returns every metadata value keyed by name
func (m *Message) MetaMap() map[string]string {
	out := make(map[string]string, len(knownMetadata))
	for name := range knownMetadata {
		out[name], _ = m.Meta(name)
	}
	return out
}

// IsReplyLike reports whether the payload answers an earlier request
func (m *Message) IsReplyLike() bool {
	ev := m.Evaluator()
	return ev.IsReply() || ev.IsAck() || ev.IsNack()
}
