package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ActionType names an action kind
type ActionType string

const (
	ActionMoveTo            ActionType = "MOVETO"
	ActionComplete          ActionType = "COMPLETE"
	ActionReactivate        ActionType = "REACTIVATE"
	ActionChangeHoldStatus  ActionType = "CHANGEHOLDSTATUS"
	ActionChangePriority    ActionType = "CHANGEPRIORITY"
	ActionChangeValueDate   ActionType = "CHANGEVALUEDATE"
	ActionTransform         ActionType = "TRANSFORM"
	ActionSendReply         ActionType = "SENDREPLY"
	ActionUpdateLiquidities ActionType = "UPDATELIQUIDITIES"
	ActionAssemble          ActionType = "ASSEMBLE"
	ActionDisassemble       ActionType = "DISASSEMBLE"
	ActionEnrich            ActionType = "ENRICH"
	ActionWaitOn            ActionType = "WAITON"
	ActionHoldQueue         ActionType = "HOLDQUEUE"
	ActionReleaseQueue      ActionType = "RELEASEQUEUE"
	ActionAggregate         ActionType = "AGGREGATE"
)

// Outcome is the result tag of a rule or routing pass
type Outcome int

const (
	// OutcomeNoAction means a rule condition did not hold
	OutcomeNoAction Outcome = iota
	// OutcomeContinue means routing goes on with the next rule
	OutcomeContinue
	// OutcomeHeld means the message is parked until released
	OutcomeHeld
	// OutcomeCompleted means the message left active routing
	OutcomeCompleted
	// OutcomeRedirected means the message was sent to another queue for a later job
	OutcomeRedirected
	// OutcomeExitpoint means no rule was left and the message reached its dispatch target
	OutcomeExitpoint
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoAction:
		return "no_action"
	case OutcomeContinue:
		return "continue"
	case OutcomeHeld:
		return "held"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRedirected:
		return "redirected"
	case OutcomeExitpoint:
		return "exitpoint"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what an action reports after it ran
type Result struct {
	Outcome Outcome
	// Queue is set when the action moved the message
	Queue       string
	Description string
}

// Action is one operation a rule performs
type Action interface {
	Type() ActionType
	Perform(ctx context.Context, env *Env, msg *Message) (Result, error)
	// Terminal reports whether the action always ends routing of the message
	Terminal() bool
	// Mutates reports whether the action may change state that conditions read
	Mutates() bool
}

// ActionDef is the stored form of an action. Param is the shorthand for the
// action's primary parameter.
type ActionDef struct {
	Type   string         `json:"type" yaml:"type" mapstructure:"type"`
	Param  string         `json:"param,omitempty" yaml:"param,omitempty" mapstructure:"param"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty" mapstructure:"params"`
}

type actionFactory struct {
	primary string
	build   func() Action
}

var actionFactories = map[ActionType]actionFactory{
	ActionMoveTo:            {"queue", func() Action { return &MoveTo{} }},
	ActionComplete:          {"code", func() Action { return &Complete{} }},
	ActionReactivate:        {"queue", func() Action { return &Reactivate{} }},
	ActionChangeHoldStatus:  {"held", func() Action { return &ChangeHoldStatus{} }},
	ActionChangePriority:    {"priority", func() Action { return &ChangePriority{} }},
	ActionChangeValueDate:   {"date", func() Action { return &ChangeValueDate{} }},
	ActionTransform:         {"template", func() Action { return &Transform{} }},
	ActionSendReply:         {"queue", func() Action { return &SendReply{} }},
	ActionUpdateLiquidities: {"direction", func() Action { return &UpdateLiquidities{} }},
	ActionAssemble:          {"template", func() Action { return &Assemble{} }},
	ActionDisassemble:       {"template", func() Action { return &Disassemble{} }},
	ActionEnrich:            {"source", func() Action { return &Enrich{} }},
	ActionWaitOn:            {"procedure", func() Action { return &WaitOn{} }},
	ActionHoldQueue:         {"queue", func() Action { return &HoldQueue{} }},
	ActionReleaseQueue:      {"queue", func() Action { return &ReleaseQueue{} }},
	ActionAggregate:         {"strategy", func() Action { return &Aggregate{} }},
}

type validator interface {
	validate() error
}

// ParseAction builds an action from its stored form
func ParseAction(def ActionDef) (Action, error) {
	typ := ActionType(strings.ToUpper(strings.TrimSpace(def.Type)))
	factory, ok := actionFactories[typ]
	if !ok {
		return nil, &ValidationError{Kind: "action type", Text: def.Type}
	}

	params := make(map[string]any, len(def.Params)+1)
	for k, v := range def.Params {
		params[strings.ToLower(k)] = v
	}
	if def.Param != "" {
		params[factory.primary] = def.Param
	}

	action := factory.build()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           action,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "param",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return nil, &ValidationError{Kind: "action", Text: def.Type, Err: err}
	}
	if v, ok := action.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, &ValidationError{Kind: "action", Text: def.Type, Err: err}
		}
	}
	return action, nil
}

func requireQueue(queue string) error {
	if strings.TrimSpace(queue) == "" {
		return fmt.Errorf("queue parameter is required")
	}
	return nil
}
