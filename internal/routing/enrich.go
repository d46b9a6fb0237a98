package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/payload"
)

// EnrichTable holds the documents served by list enrichment
const EnrichTable = "ENRICHLIST"

// EnrichSource supplies the document grafted into a message by Enrich
type EnrichSource interface {
	GetIdFilterValue(msg *Message) (string, error)
	GetEnrichData(ctx context.Context, env *Env, filter string) ([]byte, error)
}

// NewEnrichSource selects a source by name: LIST:<list>, ORIGINAL or NONE.
// field names the payload field a list lookup is keyed by.
func NewEnrichSource(name, field string) (EnrichSource, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case upper == "" || upper == "NONE":
		return identitySource{}, nil
	case upper == "ORIGINAL":
		return originalSource{}, nil
	case strings.HasPrefix(upper, "LIST:"):
		list := strings.TrimSpace(name[len("LIST:"):])
		if list == "" {
			return nil, errors.New("enrich list name is required")
		}
		if field == "" {
			field = payload.TokenReference
		}
		return &listSource{list: list, field: field}, nil
	}
	return nil, fmt.Errorf("unknown enrich source %q", name)
}

type identitySource struct{}

func (identitySource) GetIdFilterValue(*Message) (string, error) { return "", nil }

func (identitySource) GetEnrichData(context.Context, *Env, string) ([]byte, error) {
	return nil, nil
}

type listSource struct {
	list  string
	field string
}

func (s *listSource) GetIdFilterValue(msg *Message) (string, error) {
	if s.field == payload.TokenReference {
		if fb := msg.FeedbackCode(); fb != nil {
			return fb.ID, nil
		}
	}
	return msg.Evaluator().GetField(s.field)
}

func (s *listSource) GetEnrichData(ctx context.Context, env *Env, filter string) ([]byte, error) {
	return readDocument(ctx, env, &aggregation.Code{Table: EnrichTable, Token: s.list, ID: filter}, "DATA")
}

type originalSource struct{}

func (originalSource) GetIdFilterValue(msg *Message) (string, error) {
	fb := msg.FeedbackCode()
	if fb == nil {
		return "", errors.New("message carries no correlation key")
	}
	return fb.Token + ":" + fb.ID, nil
}

func (originalSource) GetEnrichData(ctx context.Context, env *Env, filter string) ([]byte, error) {
	token, id, ok := strings.Cut(filter, ":")
	if !ok {
		return nil, fmt.Errorf("invalid original filter %q", filter)
	}
	return readDocument(ctx, env, &aggregation.Code{Token: token, ID: id}, FieldPayload)
}

func readDocument(ctx context.Context, env *Env, code *aggregation.Code, field string) ([]byte, error) {
	code.Want(field)
	if err := env.Aggregation.Read(ctx, code); err != nil {
		return nil, err
	}
	data := code.Value(field)
	if data == "" {
		return nil, fmt.Errorf("empty %s for %s", field, code.Key())
	}
	return []byte(data), nil
}

// Enrich grafts a looked up document into the payload, optionally transforms
// the result and derives the configured keywords from it. Every failure
// moves the message to investigation.
type Enrich struct {
	Source   string            `param:"source"`
	Field    string            `param:"field"`
	Template string            `param:"template"`
	Params   map[string]string `param:"params"`

	source EnrichSource
}

func (a *Enrich) Type() ActionType { return ActionEnrich }
func (a *Enrich) Terminal() bool { return false }
func (a *Enrich) Mutates() bool { return true }

func (a *Enrich) validate() error {
	src, err := NewEnrichSource(a.Source, a.Field)
	if err != nil {
		return err
	}
	a.source = src
	return nil
}

func (a *Enrich) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	fail := func(reason string, err error) (Result, error) {
		return Result{}, env.Investigate(ctx, msg, "", "enrich "+reason, err)
	}

	filter, err := a.source.GetIdFilterValue(msg)
	if err != nil {
		return fail("filter not resolved", err)
	}
	data, err := a.source.GetEnrichData(ctx, env, filter)
	if err != nil {
		return fail("data not found for "+filter, err)
	}

	if len(data) > 0 {
		doc, err := payload.Graft(msg.Payload, data)
		if err != nil {
			return fail("graft failed", err)
		}
		msg.SetPayload(doc)
	}
	if a.Template != "" {
		if err := transformPayload(ctx, env, msg, a.Template, a.Params); err != nil {
			return fail("transform failed", err)
		}
	}

	for keyword, field := range env.Config.KeywordMappings() {
		value, err := msg.Evaluator().GetField(field)
		if err != nil {
			continue
		}
		if msg.Keywords == nil {
			msg.Keywords = map[string]string{}
		}
		msg.Keywords[keyword] = value
	}

	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return fail("store failed", err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Enriched from " + a.Source}, nil
}
