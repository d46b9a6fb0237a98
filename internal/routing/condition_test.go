package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/msgroute/internal/routing"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name   string
		typ    routing.ConditionType
		enc    routing.Encoding
		text   string
		left   string
		op     routing.Operator
		right  string
		quoted bool
	}{
		{name: "equal", typ: routing.ConditionMessage, text: "MT == 103", left: "MT", op: routing.OpEqual, right: "103"},
		{name: "not equal", typ: routing.ConditionMessage, text: "MT!=202", left: "MT", op: routing.OpNotEqual, right: "202"},
		{name: "less equal", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT <= 1000", left: "AMOUNT", op: routing.OpLessEqual, right: "1000"},
		{name: "less", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT < 1000", left: "AMOUNT", op: routing.OpLess, right: "1000"},
		{name: "greater equal", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT >= 5", left: "AMOUNT", op: routing.OpGreaterEqual, right: "5"},
		{name: "greater", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT > 5", left: "AMOUNT", op: routing.OpGreater, right: "5"},
		{name: "in", typ: routing.ConditionMessage, text: "CURRENCY IN EUR,USD", left: "CURRENCY", op: routing.OpIn, right: "EUR,USD"},
		{name: "like", typ: routing.ConditionMessage, text: "20 LIKE REF-", left: "20", op: routing.OpLike, right: "REF-"},
		{name: "quoted", typ: routing.ConditionMessage, text: `20 == "REF 1"`, left: "20", op: routing.OpEqual, right: "REF 1", quoted: true},
		{name: "metadata lower cased", typ: routing.ConditionMetadata, enc: routing.EncodingBool, text: "Held == true", left: "held", op: routing.OpEqual, right: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := routing.ParseCondition(tt.typ, tt.enc, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.left, c.Left)
			assert.Equal(t, tt.op, c.Op)
			assert.Equal(t, tt.right, c.Right)
			assert.Equal(t, tt.quoted, c.Quoted)
		})
	}
}

func TestParseCondition_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		typ        routing.ConditionType
		enc        routing.Encoding
		text       string
		comparison bool
	}{
		{name: "no operator", typ: routing.ConditionMessage, text: "MT 103"},
		{name: "missing left", typ: routing.ConditionMessage, text: "== 103"},
		{name: "bool ordering", typ: routing.ConditionMetadata, enc: routing.EncodingBool, text: "held < true", comparison: true},
		{name: "string ordering", typ: routing.ConditionMessage, text: "MT > 100", comparison: true},
		{name: "currency like", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT LIKE 1", comparison: true},
		{name: "unknown metadata", typ: routing.ConditionMetadata, text: "colour == red"},
		{name: "unknown type", typ: "HEADER", text: "a == b"},
		{name: "unknown encoding", typ: routing.ConditionMessage, enc: "DATE", text: "a == b"},
		{name: "bad expression", typ: routing.ConditionFunction, text: "field( == 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := routing.ParseCondition(tt.typ, tt.enc, tt.text)
			require.Error(t, err)
			var validation *routing.ValidationError
			assert.ErrorAs(t, err, &validation)
			if tt.comparison {
				assert.ErrorIs(t, err, routing.ErrInvalidComparison)
			}
		})
	}
}

// An operand holding an operator that is scanned earlier is split at that
// operator; the resulting condition is rejected instead of reinterpreted.
func TestParseCondition_EarlierOperatorInOperand(t *testing.T) {
	_, err := routing.ParseCondition(routing.ConditionMessage, routing.EncodingString, `20 LIKE "<REF"`)
	assert.ErrorIs(t, err, routing.ErrInvalidComparison)

	c, err := routing.ParseCondition(routing.ConditionMessage, routing.EncodingString, "20 == A LIKE B")
	require.NoError(t, err)
	assert.Equal(t, routing.OpEqual, c.Op)
	assert.Equal(t, "A LIKE B", c.Right)
}

func TestParseCondition_RoundTrip(t *testing.T) {
	inputs := []struct {
		typ  routing.ConditionType
		enc  routing.Encoding
		text string
	}{
		{routing.ConditionMessage, routing.EncodingString, "MT == 103"},
		{routing.ConditionMessage, routing.EncodingString, "  MT   !=   202 "},
		{routing.ConditionMessage, routing.EncodingString, `20 == "REF 1"`},
		{routing.ConditionMessage, routing.EncodingString, `20 == ""`},
		{routing.ConditionMessage, routing.EncodingString, "CURRENCY IN EUR, USD"},
		{routing.ConditionMessage, routing.EncodingString, "20 LIKE REF-"},
		{routing.ConditionMessage, routing.EncodingString, "20 == a == b"},
		{routing.ConditionMessage, routing.EncodingCurrency, "AMOUNT>=1000"},
		{routing.ConditionMetadata, routing.EncodingBool, "isreply == true"},
		{routing.ConditionFunction, routing.EncodingString, `meta.queue + "-" + field("MT") == Q1-103`},
		{routing.ConditionAlways, "", ""},
	}

	for _, in := range inputs {
		t.Run(in.text, func(t *testing.T) {
			first, err := routing.ParseCondition(in.typ, in.enc, in.text)
			require.NoError(t, err)
			second, err := routing.ParseCondition(first.Type, first.Encoding, first.String())
			require.NoError(t, err)

			assert.Equal(t, first.Left, second.Left)
			assert.Equal(t, first.Op, second.Op)
			assert.Equal(t, first.Right, second.Right)
			assert.Equal(t, first.Quoted, second.Quoted)
			assert.Equal(t, first.String(), second.String())
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name  string
		enc   routing.Encoding
		left  string
		op    routing.Operator
		right string
		want  bool
	}{
		{name: "bool equal", enc: routing.EncodingBool, left: "true", op: routing.OpEqual, right: "true", want: true},
		{name: "bool other is false", enc: routing.EncodingBool, left: "yes", op: routing.OpEqual, right: "false", want: true},
		{name: "bool not equal", enc: routing.EncodingBool, left: "true", op: routing.OpNotEqual, right: "false", want: true},
		{name: "string equal", enc: routing.EncodingString, left: "103", op: routing.OpEqual, right: "103", want: true},
		{name: "string equal single quoted", enc: routing.EncodingString, left: "103", op: routing.OpEqual, right: "'103'", want: true},
		{name: "string not equal is strict", enc: routing.EncodingString, left: "103", op: routing.OpNotEqual, right: "'103'", want: true},
		{name: "like is prefix", enc: routing.EncodingString, left: "REF-1", op: routing.OpLike, right: "REF", want: true},
		{name: "like is anchored", enc: routing.EncodingString, left: "XREF-1", op: routing.OpLike, right: "REF", want: false},
		{name: "in substring", enc: routing.EncodingString, left: "PAYMENT EUR", op: routing.OpIn, right: "USD,EUR", want: true},
		{name: "in miss", enc: routing.EncodingString, left: "GBP", op: routing.OpIn, right: "USD,EUR", want: false},
		{name: "currency greater", enc: routing.EncodingCurrency, left: "1500,99", op: routing.OpGreater, right: "1000", want: true},
		{name: "currency integer part only", enc: routing.EncodingCurrency, left: "1000,99", op: routing.OpEqual, right: "1000", want: true},
		{name: "currency less equal", enc: routing.EncodingCurrency, left: "999,00", op: routing.OpLessEqual, right: "1000", want: true},
		{name: "currency empty is zero", enc: routing.EncodingCurrency, left: "", op: routing.OpLess, right: "1", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routing.Compare(tt.enc, tt.left, tt.op, tt.right)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := routing.Compare(routing.EncodingBool, "true", routing.OpGreater, "false")
	assert.ErrorIs(t, err, routing.ErrInvalidComparison)
}

func TestCondition_Evaluate(t *testing.T) {
	msg := routing.NewMessage(routing.Record{MessageID: "M1", Queue: "Q1", Priority: 5, Payload: []byte(mt103)})

	tests := []struct {
		name string
		typ  routing.ConditionType
		enc  routing.Encoding
		text string
		want bool
	}{
		{name: "message field", typ: routing.ConditionMessage, text: "MT == 103", want: true},
		{name: "missing field compares empty", typ: routing.ConditionMessage, text: "72 != X", want: true},
		{name: "amount", typ: routing.ConditionMessage, enc: routing.EncodingCurrency, text: "AMOUNT > 1000", want: true},
		{name: "metadata", typ: routing.ConditionMetadata, text: "queue == Q1", want: true},
		{name: "metadata bool", typ: routing.ConditionMetadata, enc: routing.EncodingBool, text: "isbusiness == true", want: true},
		{name: "function", typ: routing.ConditionFunction, text: `meta.queue + "-" + field("MT") == Q1-103`, want: true},
		{name: "function number", typ: routing.ConditionFunction, enc: routing.EncodingCurrency, text: `len(field("20")) >= 6`, want: false},
		{name: "always", typ: routing.ConditionAlways, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := routing.ParseCondition(tt.typ, tt.enc, tt.text)
			require.NoError(t, err)
			got, err := c.Evaluate(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
