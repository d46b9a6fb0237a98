package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"github.com/cuongbtq/msgroute/internal/payload"
)

// ConditionType selects what the left operand of a condition is resolved against
type ConditionType string

const (
	ConditionAlways   ConditionType = "ALWAYS"
	ConditionMessage  ConditionType = "MESSAGE"
	ConditionMetadata ConditionType = "METADATA"
	ConditionFunction ConditionType = "FUNCTION"
)

// Encoding is the native type both operands are compared as
type Encoding string

const (
	EncodingBool     Encoding = "BOOL"
	EncodingString   Encoding = "STRING"
	EncodingCurrency Encoding = "CURRENCY"
)

// Operator is a comparison operator as it appears in condition text
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLessEqual    Operator = "<="
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
	OpIn           Operator = " IN "
	OpLike         Operator = " LIKE "
)

// operatorScan is the order operators are searched for in condition text.
// The first operator present anywhere in the text wins, so an operand that
// contains an earlier operator is split at that operator instead.
var operatorScan = []Operator{OpEqual, OpNotEqual, OpLessEqual, OpLess, OpGreaterEqual, OpGreater, OpIn, OpLike}

// Condition is one parsed predicate of a rule
type Condition struct {
	Type     ConditionType
	Encoding Encoding
	Left     string
	Op       Operator
	Right    string
	// Quoted is set when the right operand was written in double quotes
	Quoted bool

	program *vm.Program
}

// Always returns the condition that holds for every message
func Always() *Condition {
	return &Condition{Type: ConditionAlways}
}

// ParseCondition parses text of the form "<left> <op> <right>"
func ParseCondition(typ ConditionType, enc Encoding, text string) (*Condition, error) {
	typ = ConditionType(strings.ToUpper(strings.TrimSpace(string(typ))))
	if typ == "" || typ == ConditionAlways {
		return Always(), nil
	}
	if typ != ConditionMessage && typ != ConditionMetadata && typ != ConditionFunction {
		return nil, &ValidationError{Kind: "condition type", Text: string(typ)}
	}

	enc = Encoding(strings.ToUpper(strings.TrimSpace(string(enc))))
	if enc == "" {
		enc = EncodingString
	}
	if enc != EncodingBool && enc != EncodingString && enc != EncodingCurrency {
		return nil, &ValidationError{Kind: "condition encoding", Text: string(enc)}
	}

	c := &Condition{Type: typ, Encoding: enc}
	for _, op := range operatorScan {
		idx := strings.Index(text, string(op))
		if idx < 0 {
			continue
		}
		c.Op = op
		c.Left = strings.TrimSpace(text[:idx])
		c.Right = strings.TrimSpace(text[idx+len(op):])
		break
	}
	if c.Op == "" {
		return nil, &ValidationError{Kind: "condition", Text: text, Err: errors.New("no comparison operator")}
	}
	if c.Left == "" {
		return nil, &ValidationError{Kind: "condition", Text: text, Err: errors.New("missing left operand")}
	}

	if len(c.Right) >= 2 && strings.HasPrefix(c.Right, `"`) && strings.HasSuffix(c.Right, `"`) {
		c.Right = c.Right[1 : len(c.Right)-1]
		c.Quoted = true
	}

	if err := checkOperator(enc, c.Op); err != nil {
		return nil, &ValidationError{Kind: "condition", Text: text, Err: err}
	}

	switch typ {
	case ConditionMetadata:
		c.Left = strings.ToLower(c.Left)
		if !knownMetadata[c.Left] {
			return nil, &ValidationError{Kind: "condition", Text: text, Err: fmt.Errorf("unknown metadata field %q", c.Left)}
		}
	case ConditionFunction:
		program, err := expr.Compile(c.Left, expr.Env(functionEnv{}))
		if err != nil {
			return nil, &ValidationError{Kind: "condition", Text: text, Err: err}
		}
		c.program = program
	}
	return c, nil
}

// MustParseCondition is ParseCondition for literal condition text
func MustParseCondition(typ ConditionType, enc Encoding, text string) *Condition {
	c, err := ParseCondition(typ, enc, text)
	if err != nil {
		panic(err)
	}
	return c
}

func checkOperator(enc Encoding, op Operator) error {
	switch enc {
	case EncodingBool:
		if op != OpEqual && op != OpNotEqual {
			return fmt.Errorf("%w: %s on %s", ErrInvalidComparison, strings.TrimSpace(string(op)), enc)
		}
	case EncodingCurrency:
		if op == OpIn || op == OpLike {
			return fmt.Errorf("%w: %s on %s", ErrInvalidComparison, strings.TrimSpace(string(op)), enc)
		}
	case EncodingString:
		switch op {
		case OpEqual, OpNotEqual, OpIn, OpLike:
		default:
			return fmt.Errorf("%w: %s on %s", ErrInvalidComparison, strings.TrimSpace(string(op)), enc)
		}
	}
	return nil
}

// IsAlways reports whether the condition holds unconditionally
func (c *Condition) IsAlways() bool {
	return c.Type == ConditionAlways
}

// DependsOnRouting reports whether the condition reads state that rule
// application changes while a message walks its queues
func (c *Condition) DependsOnRouting() bool {
	switch c.Type {
	case ConditionFunction:
		return true
	case ConditionMetadata:
		return c.Left == "queue" || c.Left == "sequence"
	}
	return false
}

// Key identifies the condition by type and text
func (c *Condition) Key() string {
	return string(c.Type) + "/" + string(c.Encoding) + ":" + c.String()
}

// String renders the condition text. Parsing the output yields the same condition.
func (c *Condition) String() string {
	if c.IsAlways() {
		return string(ConditionAlways)
	}
	right := c.Right
	if c.Quoted {
		right = `"` + right + `"`
	}
	if c.Op == OpIn || c.Op == OpLike {
		return c.Left + string(c.Op) + right
	}
	return c.Left + " " + string(c.Op) + " " + right
}

// Evaluate resolves the left operand against msg and compares it
func (c *Condition) Evaluate(msg *Message) (bool, error) {
	var value string
	switch c.Type {
	case ConditionAlways:
		return true, nil
	case ConditionMessage:
		v, err := msg.Evaluator().GetField(c.Left)
		if err != nil && !errors.Is(err, payload.ErrFieldNotFound) {
			return false, fmt.Errorf("failed to read field %s: %w", c.Left, err)
		}
		value = v
	case ConditionMetadata:
		value, _ = msg.Meta(c.Left)
	case ConditionFunction:
		out, err := expr.Run(c.program, newFunctionEnv(msg))
		if err != nil {
			return false, fmt.Errorf("failed to evaluate %s: %w", c.Left, err)
		}
		value = fmt.Sprint(out)
	}
	return Compare(c.Encoding, value, c.Op, c.Right)
}

// Compare compares left and right as enc
func Compare(enc Encoding, left string, op Operator, right string) (bool, error) {
	switch enc {
	case EncodingBool:
		l, r := left == "true", right == "true"
		switch op {
		case OpEqual:
			return l == r, nil
		case OpNotEqual:
			return l != r, nil
		}
	case EncodingString:
		switch op {
		case OpEqual:
			return left == right || "'"+left+"'" == right, nil
		case OpNotEqual:
			return left != right, nil
		case OpLike:
			return strings.HasPrefix(left, right), nil
		case OpIn:
			for _, token := range strings.Split(right, ",") {
				token = strings.TrimSpace(token)
				if token != "" && strings.Contains(left, token) {
					return true, nil
				}
			}
			return false, nil
		}
	case EncodingCurrency:
		return compareCurrency(left, op, right)
	}
	return false, fmt.Errorf("%w: %s on %s", ErrInvalidComparison, strings.TrimSpace(string(op)), enc)
}

func compareCurrency(left string, op Operator, right string) (bool, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(right))
	if err != nil {
		return false, &ValidationError{Kind: "currency amount", Text: right, Err: err}
	}

	major, _, _ := strings.Cut(strings.TrimSpace(left), ",")
	if major == "" {
		major = "0"
	}
	l, err := decimal.NewFromString(major)
	if err != nil {
		return false, &ValidationError{Kind: "currency amount", Text: left, Err: err}
	}

	cmp := l.Truncate(0).Cmp(r.Truncate(0))
	switch op {
	case OpEqual:
		return cmp == 0, nil
	case OpNotEqual:
		return cmp != 0, nil
	case OpLess:
		return cmp < 0, nil
	case OpLessEqual:
		return cmp <= 0, nil
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterEqual:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("%w: %s on %s", ErrInvalidComparison, strings.TrimSpace(string(op)), EncodingCurrency)
}

// functionEnv is the expression environment of FUNCTION conditions
type functionEnv struct {
	Meta  map[string]string        `expr:"meta"`
	Field func(name string) string `expr:"field"`
}

func newFunctionEnv(msg *Message) functionEnv {
	return functionEnv{
		Meta: msg.MetaMap(),
		Field: func(name string) string {
			v, _ := msg.Evaluator().GetField(name)
			return v
		},
	}
}
