package payload

import (
	"bytes"
	"strings"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

// SwiftMT evaluates SWIFT FIN messages ({1:}{2:}{3:}{4:...-}{5:})
type SwiftMT struct {
	raw     []byte
	parsed  bool
	blocks  map[string]string
	fields  map[string]string
	msgType string
}

// NewSwiftMT wraps a FIN message
func NewSwiftMT(raw []byte) *SwiftMT {
	return &SwiftMT{raw: raw}
}

func (m *SwiftMT) Family() Family { return FamilySwiftMT }

func (m *SwiftMT) parse() {
	if m.parsed {
		return
	}
	m.parsed = true
	m.blocks = make(map[string]string)
	m.fields = make(map[string]string)

	data := string(m.raw)
	for len(data) > 0 {
		start := strings.Index(data, "{")
		if start < 0 {
			break
		}
		colon := strings.Index(data[start:], ":")
		if colon < 0 {
			break
		}
		id := data[start+1 : start+colon]
		body, rest := matchBrace(data[start+colon+1:])
		m.blocks[id] = body
		data = rest
	}

	if b2 := m.blocks["2"]; len(b2) >= 4 {
		m.msgType = b2[1:4]
	}
	m.parseText(m.blocks["4"])
}

// matchBrace returns the content up to the brace closing the current block
func matchBrace(s string) (string, string) {
	depth := 1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}

func (m *SwiftMT) parseText(text string) {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "-"))
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var tag string
	for _, line := range lines {
		if strings.HasPrefix(line, ":") {
			end := strings.Index(line[1:], ":")
			if end > 0 {
				tag = line[1 : end+1]
				if _, dup := m.fields[tag]; !dup {
					m.fields[tag] = line[end+2:]
				}
				continue
			}
		}
		if tag != "" {
			m.fields[tag] += "\n" + line
		}
	}

	// {451:0} marks a positive service acknowledgement
	for _, part := range []string{"{451:", "{405:"} {
		if idx := strings.Index(text, part); idx >= 0 {
			m.fields[part[1:4]] = text[idx+5 : idx+6]
		}
	}
}

func (m *SwiftMT) IsBusinessFormat() bool {
	m.parse()
	return m.msgType != "" && m.blocks["4"] != ""
}

// GetField resolves "MT", block tags (e.g. "20", "32A"), "BLOCK3:108",
// and the derived "AMOUNT" and "CURRENCY" fields.
func (m *SwiftMT) GetField(name string) (string, error) {
	m.parse()
	switch {
	case name == "MT":
		if m.msgType == "" {
			return "", ErrFieldNotFound
		}
		return m.msgType, nil
	case name == "AMOUNT" || name == "CURRENCY":
		return m.amountPart(name)
	case strings.HasPrefix(name, "BLOCK3:"):
		return m.headerTag(m.blocks["3"], strings.TrimPrefix(name, "BLOCK3:"))
	}
	if v, ok := m.fields[name]; ok {
		return v, nil
	}
	return "", ErrFieldNotFound
}

func (m *SwiftMT) headerTag(block, tag string) (string, error) {
	marker := "{" + tag + ":"
	idx := strings.Index(block, marker)
	if idx < 0 {
		return "", ErrFieldNotFound
	}
	rest := block[idx+len(marker):]
	if end := strings.Index(rest, "}"); end >= 0 {
		return rest[:end], nil
	}
	return rest, nil
}

// amountPart splits 32A (YYMMDDCCYAMOUNT) or 32B (CCYAMOUNT)
func (m *SwiftMT) amountPart(name string) (string, error) {
	value, ok := m.fields["32A"]
	if ok && len(value) > 6 {
		value = value[6:]
	} else if value, ok = m.fields["32B"]; !ok {
		return "", ErrFieldNotFound
	}
	if len(value) < 4 {
		return "", ErrFieldNotFound
	}
	if name == "CURRENCY" {
		return value[:3], nil
	}
	return value[3:], nil
}

func (m *SwiftMT) IsReply() bool {
	m.parse()
	switch m.msgType {
	case "199", "299", "900", "910", "196", "296":
		return true
	}
	return m.IsAck() || m.IsNack()
}

func (m *SwiftMT) IsAck() bool {
	m.parse()
	return m.fields["451"] == "0"
}

func (m *SwiftMT) IsNack() bool {
	m.parse()
	return m.fields["451"] == "1"
}

func (m *SwiftMT) GetAggregationCode(feedback string) *aggregation.Code {
	m.parse()
	if m.IsAck() || m.IsNack() {
		if mur, err := m.headerTag(m.blocks["3"], "108"); err == nil {
			return withFeedback(aggregation.NewCode(TokenMUR, mur), feedback)
		}
	}
	tag := "20"
	if m.IsReply() {
		tag = "21"
	}
	ref, ok := m.fields[tag]
	if !ok {
		return nil
	}
	return withFeedback(aggregation.NewCode(TokenReference, strings.TrimSpace(ref)), feedback)
}

// Bytes returns the raw message
func (m *SwiftMT) Bytes() []byte {
	return bytes.Clone(m.raw)
}
