package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// ConditionDef is the stored form of a condition
type ConditionDef struct {
	Type       string `json:"type" yaml:"type" param:"type"`
	Encoding   string `json:"encoding,omitempty" yaml:"encoding,omitempty" param:"encoding"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty" param:"expression"`
}

// Build parses the condition
func (d ConditionDef) Build() (*Condition, error) {
	return ParseCondition(ConditionType(d.Type), Encoding(d.Encoding), d.Expression)
}

// RuleDef is the stored form of a rule
type RuleDef struct {
	ID         int64          `json:"id" yaml:"id"`
	Queue      string         `json:"queue" yaml:"queue"`
	Sequence   int            `json:"sequence" yaml:"sequence"`
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Conditions []ConditionDef `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Action     ActionDef      `json:"action" yaml:"action"`
}

// SubSchemaDef is the stored form of a sub-schema. A sub-schema without a
// marker is active at all times.
type SubSchemaDef struct {
	ID     int64     `json:"id" yaml:"id"`
	Name   string    `json:"name" yaml:"name"`
	Marker string    `json:"marker,omitempty" yaml:"marker,omitempty"`
	Rules  []RuleDef `json:"rules" yaml:"rules"`
}

// Definitions is everything needed to build a schema. Revision is bumped by
// stores that track edits, forcing a reload even when the content matches.
type Definitions struct {
	Revision   int64             `json:"revision" yaml:"revision"`
	Markers    []Marker          `json:"markers" yaml:"markers"`
	SubSchemas []SubSchemaDef    `json:"schemas" yaml:"schemas"`
	Queues     []QueueDefinition `json:"queues" yaml:"queues"`
}

// Fingerprint identifies the content of the definitions
func (d *Definitions) Fingerprint() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DefinitionSource loads the current definitions
type DefinitionSource interface {
	Load(ctx context.Context) (*Definitions, error)
}

// FileSource reads definitions from a YAML file
type FileSource struct {
	Path string
}

func (s *FileSource) Load(ctx context.Context) (*Definitions, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes YAML definitions
func ParseDefinitions(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	return &defs, nil
}

// BuildRule parses a rule of a sub-schema
func BuildRule(schemaID int64, def RuleDef) (*Rule, error) {
	typ := RuleType(strings.ToUpper(strings.TrimSpace(def.Type)))
	if typ == "" {
		typ = RuleNormal
	}
	if typ != RuleNormal && typ != RuleInit && typ != RuleTear {
		return nil, &ValidationError{Kind: "rule type", Text: def.Type}
	}
	if def.Queue == "" {
		return nil, &ValidationError{Kind: "rule", Text: fmt.Sprint(def.ID), Err: fmt.Errorf("queue is required")}
	}
	if def.Sequence <= 0 {
		return nil, &ValidationError{Kind: "rule", Text: fmt.Sprint(def.ID), Err: fmt.Errorf("sequence must be positive, got %d", def.Sequence)}
	}

	rule := &Rule{ID: def.ID, SchemaID: schemaID, Queue: def.Queue, Sequence: def.Sequence, Type: typ}
	for _, cd := range def.Conditions {
		c, err := cd.Build()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", def.ID, err)
		}
		rule.Conditions = append(rule.Conditions, c)
	}
	action, err := ParseAction(def.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", def.ID, err)
	}
	rule.Action = action
	return rule, nil
}

// BuildSubSchema parses every rule of def and reports all invalid rules at once
func BuildSubSchema(def SubSchemaDef) (*SubSchema, error) {
	sub := &SubSchema{ID: def.ID, Name: def.Name, Marker: def.Marker}
	var result *multierror.Error
	for _, rd := range def.Rules {
		rule, err := BuildRule(def.ID, rd)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		sub.Rules = append(sub.Rules, rule)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("sub-schema %s: %w", def.Name, err)
	}
	return sub, nil
}
