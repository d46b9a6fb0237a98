package payload

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

type leaf struct {
	path  []string
	value string
}

type span struct {
	start, end int64
}

// ISO20022 evaluates ISO 20022 XML documents (pacs, pain, camt)
type ISO20022 struct {
	raw       []byte
	parsed    bool
	parseErr  error
	namespace string
	leaves    []leaf
	txSpans   []span
}

// transaction elements that make a document a batch
var isoTransactionElements = map[string]bool{
	"CdtTrfTxInf":       true,
	"DrctDbtTxInf":      true,
	"TxInfAndSts":       true,
	"OrgnlPmtInfAndSts": true,
}

// NewISO20022 wraps an XML document
func NewISO20022(raw []byte) *ISO20022 {
	return &ISO20022{raw: raw}
}

func (d *ISO20022) Family() Family { return FamilyISO20022 }

func (d *ISO20022) parse() error {
	if d.parsed {
		return d.parseErr
	}
	d.parsed = true

	dec := xml.NewDecoder(bytes.NewReader(d.raw))
	var stack []string
	var text strings.Builder
	var txDepth int
	var txStart int64

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			d.parseErr = errors.Join(ErrMalformed, err)
			return d.parseErr
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if d.namespace == "" && t.Name.Space != "" {
				d.namespace = t.Name.Space
			}
			stack = append(stack, t.Name.Local)
			for _, attr := range t.Attr {
				d.leaves = append(d.leaves, leaf{
					path:  append(append([]string(nil), stack...), "@"+attr.Name.Local),
					value: attr.Value,
				})
			}
			if isoTransactionElements[t.Name.Local] && txDepth == 0 {
				txDepth = len(stack)
				txStart = offset
			}
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if value := strings.TrimSpace(text.String()); value != "" {
				d.leaves = append(d.leaves, leaf{path: append([]string(nil), stack...), value: value})
			}
			text.Reset()
			if txDepth != 0 && len(stack) == txDepth {
				d.txSpans = append(d.txSpans, span{start: txStart, end: dec.InputOffset()})
				txDepth = 0
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

func (d *ISO20022) IsBusinessFormat() bool {
	return d.parse() == nil && strings.Contains(d.namespace, "iso:std:iso:20022")
}

// MessageType returns the short message identifier, e.g. "pacs.008"
func (d *ISO20022) MessageType() string {
	if d.parse() != nil {
		return ""
	}
	ns := d.namespace
	if idx := strings.LastIndex(ns, ":"); idx >= 0 {
		ns = ns[idx+1:]
	}
	parts := strings.Split(ns, ".")
	if len(parts) < 2 {
		return ns
	}
	return parts[0] + "." + parts[1]
}

// GetField resolves "MSGTYPE", "AMOUNT", "CURRENCY", or a slash separated
// element path matched against the end of each element path, e.g.
// "GrpHdr/MsgId" or "IntrBkSttlmAmt/@Ccy".
func (d *ISO20022) GetField(name string) (string, error) {
	if err := d.parse(); err != nil {
		return "", err
	}
	switch name {
	case "MSGTYPE":
		return d.MessageType(), nil
	case "AMOUNT":
		return d.first("IntrBkSttlmAmt", "InstdAmt", "TtlIntrBkSttlmAmt")
	case "CURRENCY":
		return d.first("IntrBkSttlmAmt/@Ccy", "InstdAmt/@Ccy", "TtlIntrBkSttlmAmt/@Ccy")
	}
	return d.lookup(strings.Split(name, "/"))
}

func (d *ISO20022) first(paths ...string) (string, error) {
	for _, p := range paths {
		if v, err := d.lookup(strings.Split(p, "/")); err == nil {
			return v, nil
		}
	}
	return "", ErrFieldNotFound
}

func (d *ISO20022) lookup(query []string) (string, error) {
	for _, l := range d.leaves {
		if hasSuffix(l.path, query) {
			return l.value, nil
		}
	}
	return "", ErrFieldNotFound
}

func hasSuffix(path, query []string) bool {
	if len(query) > len(path) {
		return false
	}
	offset := len(path) - len(query)
	for i, q := range query {
		if path[offset+i] != q {
			return false
		}
	}
	return true
}

func (d *ISO20022) IsReply() bool {
	switch d.MessageType() {
	case "pacs.002", "pain.002", "camt.029", "pacs.004":
		return true
	}
	return false
}

func (d *ISO20022) groupStatus() string {
	v, _ := d.first("OrgnlGrpInfAndSts/GrpSts", "TxInfAndSts/TxSts")
	return v
}

func (d *ISO20022) IsAck() bool {
	switch d.groupStatus() {
	case "ACCP", "ACSC", "ACSP", "ACTC":
		return true
	}
	return false
}

func (d *ISO20022) IsNack() bool {
	return d.groupStatus() == "RJCT"
}

func (d *ISO20022) GetAggregationCode(feedback string) *aggregation.Code {
	path := "GrpHdr/MsgId"
	if d.IsReply() {
		path = "OrgnlGrpInfAndSts/OrgnlMsgId"
	}
	id, err := d.GetField(path)
	if err != nil {
		return nil
	}
	return withFeedback(aggregation.NewCode(TokenMsgID, id), feedback)
}

// Split returns one document per transaction element, each carrying the
// shared group header.
func (d *ISO20022) Split() ([][]byte, error) {
	if err := d.parse(); err != nil {
		return nil, err
	}
	if len(d.txSpans) < 2 {
		return nil, ErrNotBatch
	}

	head := d.raw[:d.txSpans[0].start]
	tail := d.raw[d.txSpans[len(d.txSpans)-1].end:]
	items := make([][]byte, 0, len(d.txSpans))
	for _, s := range d.txSpans {
		item := make([]byte, 0, len(head)+int(s.end-s.start)+len(tail))
		item = append(item, head...)
		item = append(item, d.raw[s.start:s.end]...)
		item = append(item, tail...)
		items = append(items, item)
	}
	return items, nil
}
