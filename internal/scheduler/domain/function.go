package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Function is a parsed job function string such as
// "F=Route,P=Batch(B1),P=Queue(Q2)"
type Function struct {
	Verb   string
	Params map[string]string
}

// ParseFunction parses a job function string. An empty string routes.
func ParseFunction(s string) (Function, error) {
	fn := Function{Verb: VerbRoute, Params: map[string]string{}}
	if strings.TrimSpace(s) == "" {
		return fn, nil
	}

	for _, token := range splitTokens(s) {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
		case strings.HasPrefix(token, "F="):
			verb, err := canonicalVerb(token[2:])
			if err != nil {
				return Function{}, err
			}
			fn.Verb = verb
		case strings.HasPrefix(token, "P="):
			name, value, ok := strings.Cut(token[2:], "(")
			if !ok || !strings.HasSuffix(value, ")") || strings.TrimSpace(name) == "" {
				return Function{}, fmt.Errorf("%w: parameter %q", ErrInvalidFunction, token)
			}
			fn.Params[strings.TrimSpace(name)] = strings.TrimSuffix(value, ")")
		default:
			return Function{}, fmt.Errorf("%w: token %q", ErrInvalidFunction, token)
		}
	}
	return fn, nil
}

// splitTokens splits on commas outside parentheses so parameter values may
// hold commas
func splitTokens(s string) []string {
	var tokens []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				tokens = append(tokens, s[start:i])
				start = i + 1
			}
		}
	}
	return append(tokens, s[start:])
}

func canonicalVerb(v string) (string, error) {
	for _, verb := range []string{VerbRoute, VerbDispose, VerbComplete, VerbReply, VerbUnhold} {
		if strings.EqualFold(strings.TrimSpace(v), verb) {
			return verb, nil
		}
	}
	if strings.EqualFold(strings.TrimSpace(v), "Move") {
		return VerbDispose, nil
	}
	return "", fmt.Errorf("%w: verb %q", ErrInvalidFunction, v)
}

// Param returns a parameter value
func (f Function) Param(name string) (string, bool) {
	v, ok := f.Params[name]
	return v, ok
}

// String renders the function string
func (f Function) String() string {
	parts := []string{"F=" + f.Verb}
	for _, name := range slices.Sorted(maps.Keys(f.Params)) {
		parts = append(parts, "P="+name+"("+f.Params[name]+")")
	}
	return strings.Join(parts, ",")
}
