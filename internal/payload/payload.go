// Package payload derives structured views of raw message bytes.
//
// Each message family implements Evaluator; batch families additionally
// implement Splitter.
package payload

import (
	"bytes"
	"errors"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

// Family identifies a message format
type Family string

const (
	FamilyRaw      Family = "RAW"
	FamilySwiftMT  Family = "SWIFTMT"
	FamilyISO20022 Family = "ISO20022"
	FamilyACH      Family = "ACH"
)

var (
	// ErrFieldNotFound is returned by GetField for an absent field
	ErrFieldNotFound = errors.New("payload: field not found")

	// ErrNotBatch is returned by Split when the payload holds a single item
	ErrNotBatch = errors.New("payload: not a batch document")

	// ErrMalformed is returned when the payload can not be parsed for its family
	ErrMalformed = errors.New("payload: malformed document")
)

// Correlation tokens used when deriving aggregation codes
const (
	TokenReference = "REFERENCE"
	TokenMUR       = "MUR"
	TokenMsgID     = "MSGID"
	TokenTrace     = "TRACE"

	// FieldFeedback is the aggregation field written with a feedback code
	FieldFeedback = "FEEDBACK"
)

// Evaluator is the capability set the router needs from a message format
type Evaluator interface {
	Family() Family
	IsBusinessFormat() bool
	GetField(name string) (string, error)
	IsReply() bool
	IsAck() bool
	IsNack() bool
	// GetAggregationCode returns the correlation key of the message. When
	// feedback is set it is carried as the FEEDBACK field.
	GetAggregationCode(feedback string) *aggregation.Code
}

// Splitter is implemented by families that carry several items per document
type Splitter interface {
	Split() ([][]byte, error)
}

// Detect picks the evaluator for raw from its leading bytes
func Detect(raw []byte) Evaluator {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("{1:")):
		return NewSwiftMT(trimmed)
	case bytes.HasPrefix(trimmed, []byte("<")):
		return NewISO20022(trimmed)
	case isACH(trimmed):
		return NewACH(trimmed)
	default:
		return &Raw{data: raw}
	}
}

func withFeedback(code *aggregation.Code, feedback string) *aggregation.Code {
	if code != nil && feedback != "" {
		code.Set(FieldFeedback, feedback)
	}
	return code
}

// Raw is the evaluator for payloads of no known business format
type Raw struct {
	data []byte
}

func (r *Raw) Family() Family { return FamilyRaw }
func (r *Raw) IsBusinessFormat() bool { return false }
func (r *Raw) IsReply() bool { return false }
func (r *Raw) IsAck() bool { return false }
func (r *Raw) IsNack() bool { return false }
func (r *Raw) GetField(string) (string, error) { return "", ErrFieldNotFound }

func (r *Raw) GetAggregationCode(string) *aggregation.Code {
	return nil
}
