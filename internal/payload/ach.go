package payload

import (
	"strings"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

const achRecordLength = 94

// ACH evaluates NACHA files made of fixed-width 94 character records
type ACH struct {
	raw     []byte
	parsed  bool
	headers []string
	entries [][]string
	footers []string
}

// NewACH wraps a NACHA file
func NewACH(raw []byte) *ACH {
	return &ACH{raw: raw}
}

func isACH(raw []byte) bool {
	line := string(raw)
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	return len(line) == achRecordLength && line[0] == '1'
}

func (a *ACH) Family() Family { return FamilyACH }

func (a *ACH) parse() {
	if a.parsed {
		return
	}
	a.parsed = true

	for _, line := range strings.Split(strings.ReplaceAll(string(a.raw), "\r\n", "\n"), "\n") {
		if len(line) < achRecordLength {
			continue
		}
		switch line[0] {
		case '1', '5':
			a.headers = append(a.headers, line)
		case '6':
			a.entries = append(a.entries, []string{line})
		case '7':
			if n := len(a.entries); n > 0 {
				a.entries[n-1] = append(a.entries[n-1], line)
			}
		case '8', '9':
			a.footers = append(a.footers, line)
		}
	}
}

// column returns 1-based inclusive positions of a record
func column(record string, from, to int) string {
	if len(record) < to {
		return ""
	}
	return strings.TrimSpace(record[from-1 : to])
}

func (a *ACH) batchHeader() string {
	for _, h := range a.headers {
		if h[0] == '5' {
			return h
		}
	}
	return ""
}

func (a *ACH) returnAddenda() string {
	for _, entry := range a.entries {
		for _, rec := range entry[1:] {
			if column(rec, 2, 3) == "99" {
				return rec
			}
		}
	}
	return ""
}

func (a *ACH) IsBusinessFormat() bool {
	a.parse()
	return len(a.headers) > 0 && len(a.entries) > 0
}

// GetField resolves AMOUNT, TRACE, ROUTING, ACCOUNT, NAME (first entry),
// COMPANY, SEC (batch header), RETURNCODE and ORIGINALTRACE (return addenda).
func (a *ACH) GetField(name string) (string, error) {
	a.parse()
	var entry string
	if len(a.entries) > 0 {
		entry = a.entries[0][0]
	}

	var value string
	switch name {
	case "AMOUNT":
		cents := column(entry, 30, 39)
		if len(cents) < 3 {
			return "", ErrFieldNotFound
		}
		whole := strings.TrimLeft(cents[:len(cents)-2], "0")
		if whole == "" {
			whole = "0"
		}
		value = whole + "," + cents[len(cents)-2:]
	case "TRACE":
		value = column(entry, 80, 94)
	case "ROUTING":
		value = column(entry, 4, 12)
	case "ACCOUNT":
		value = column(entry, 13, 29)
	case "NAME":
		value = column(entry, 55, 76)
	case "COMPANY":
		value = column(a.batchHeader(), 5, 20)
	case "SEC":
		value = column(a.batchHeader(), 51, 53)
	case "RETURNCODE":
		value = column(a.returnAddenda(), 4, 6)
	case "ORIGINALTRACE":
		value = column(a.returnAddenda(), 7, 21)
	}
	if value == "" {
		return "", ErrFieldNotFound
	}
	return value, nil
}

func (a *ACH) IsReply() bool {
	a.parse()
	return a.returnAddenda() != ""
}

func (a *ACH) IsAck() bool { return false }

// IsNack reports a return entry
func (a *ACH) IsNack() bool { return a.IsReply() }

func (a *ACH) GetAggregationCode(feedback string) *aggregation.Code {
	field := "TRACE"
	if a.IsReply() {
		field = "ORIGINALTRACE"
	}
	id, err := a.GetField(field)
	if err != nil {
		return nil
	}
	return withFeedback(aggregation.NewCode(TokenTrace, id), feedback)
}

// Split returns one file per entry detail record, keeping headers and controls
func (a *ACH) Split() ([][]byte, error) {
	a.parse()
	if len(a.entries) < 2 {
		return nil, ErrNotBatch
	}

	items := make([][]byte, 0, len(a.entries))
	for _, entry := range a.entries {
		lines := make([]string, 0, len(a.headers)+len(entry)+len(a.footers))
		lines = append(lines, a.headers...)
		lines = append(lines, entry...)
		lines = append(lines, a.footers...)
		items = append(items, []byte(strings.Join(lines, "\n")))
	}
	return items, nil
}
