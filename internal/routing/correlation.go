package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

// Aggregation fields written by the routing actions
const (
	FieldStatus    = "STATUS"
	FieldPayload   = "PAYLOAD"
	FieldMessageID = "MESSAGEID"
	FieldQueue     = "QUEUE"
	FieldReplyID   = "REPLYID"
	FieldBalance   = "BALANCE"
	FieldUpdatedBy = "UPDATEDBY"
)

// Correlation row states
const (
	StatusPending   = "PENDING"
	StatusReplied   = "REPLIED"
	StatusAcked     = "ACKED"
	StatusNacked    = "NACKED"
	StatusCompleted = "COMPLETED"
)

// SendReply answers the message. A bulk reply is recorded on the request's
// correlation row; a single reply is dispatched at once.
type SendReply struct {
	Queue string `param:"queue"`
	Bulk  bool   `param:"bulk"`
}

func (a *SendReply) Type() ActionType { return ActionSendReply }
func (a *SendReply) Terminal() bool { return true }
func (a *SendReply) Mutates() bool { return true }

func (a *SendReply) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	if a.Bulk || env.Bulk {
		return a.bulkReply(ctx, env, msg)
	}
	return a.singleReply(ctx, env, msg)
}

func (a *SendReply) bulkReply(ctx context.Context, env *Env, msg *Message) (Result, error) {
	fb := msg.FeedbackCode()
	if fb == nil {
		return Result{}, env.Investigate(ctx, msg, "", "reply carries no correlation key", nil)
	}
	fb.Set(FieldStatus, StatusReplied)
	fb.Set(FieldReplyID, msg.MessageID)

	if err := env.Aggregation.AddRequest(ctx, fb, aggregation.UpdateOrFail); err != nil {
		var failure *aggregation.FailureError
		if errors.As(err, &failure) {
			return Result{}, env.Investigate(ctx, msg, "", "no request on file for bulk reply "+fb.Key(), err)
		}
		return Result{}, fmt.Errorf("failed to record bulk reply %s: %w", msg.MessageID, err)
	}

	if err := env.Store.Delete(ctx, msg.Queue, msg.MessageID); err != nil {
		return Result{}, fmt.Errorf("failed to delete replied message %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeCompleted, Description: "Bulk reply recorded for " + fb.Key()}, nil
}

func (a *SendReply) singleReply(ctx context.Context, env *Env, msg *Message) (Result, error) {
	var data []byte
	if fb := msg.FeedbackCode(); fb != nil && env.Aggregation != nil {
		read := &aggregation.Code{Table: fb.Table, Token: fb.Token, ID: fb.ID}
		read.Want(FieldPayload)
		err := env.Aggregation.Read(ctx, read)
		switch {
		case err == nil:
			data = []byte(read.Value(FieldPayload))
		case errors.Is(err, aggregation.ErrNoRows):
		default:
			return Result{}, fmt.Errorf("failed to read original payload of %s: %w", msg.MessageID, err)
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = msg.Payload
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{}, NewFatalError("No payload available to reply to message "+msg.MessageID,
			"Possible reason = Message database archived", nil)
	}

	msg.SetPayload(data)
	msg.MarkFastpath()

	queue := a.Queue
	if queue == "" {
		queue = msg.Requestor
	}
	if queue == "" {
		queue = env.Config.ReplyQueue()
	}
	if queue == "" {
		return Result{}, NewFatalError("No reply queue for message "+msg.MessageID, "", nil)
	}

	transportID, err := env.Dispatcher.Send(ctx, queue, data)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send reply for %s: %w", msg.MessageID, err)
	}
	if err := env.Store.Delete(ctx, msg.Queue, msg.MessageID); err != nil {
		return Result{}, fmt.Errorf("failed to delete replied message %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeCompleted, Description: "Reply sent to " + queue + " as " + transportID}, nil
}

// Aggregate joins a reply to its request, or files a request for later replies
type Aggregate struct {
	Strategy string `param:"strategy"`
	Table    string `param:"table"`

	strategy *aggregation.Strategy
}

func (a *Aggregate) Type() ActionType { return ActionAggregate }
func (a *Aggregate) Terminal() bool { return false }
func (a *Aggregate) Mutates() bool { return true }

func (a *Aggregate) validate() error {
	if a.Strategy == "" {
		return nil
	}
	s, err := aggregation.ParseStrategy(a.Strategy)
	if err != nil {
		return err
	}
	a.strategy = &s
	return nil
}

func (a *Aggregate) strategyOr(fallback aggregation.Strategy) aggregation.Strategy {
	if a.strategy != nil {
		return *a.strategy
	}
	return fallback
}

func (a *Aggregate) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	fb := msg.FeedbackCode()
	if fb == nil {
		return Result{}, env.Investigate(ctx, msg, "", "message carries no correlation key", nil)
	}
	if a.Table != "" {
		fb.Table = a.Table
	}
	if msg.IsReplyLike() {
		return a.joinReply(ctx, env, msg, fb)
	}

	fb.Set(FieldStatus, StatusPending)
	fb.Set(FieldMessageID, msg.MessageID)
	fb.Set(FieldQueue, msg.Queue)
	fb.Set(FieldPayload, string(msg.Payload))
	if err := env.Aggregation.AddRequest(ctx, fb, a.strategyOr(aggregation.OptimisticInsert)); err != nil {
		return Result{}, fmt.Errorf("failed to file request %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Request filed under " + fb.Key()}, nil
}

func (a *Aggregate) joinReply(ctx context.Context, env *Env, msg *Message, fb *aggregation.Code) (Result, error) {
	ev := msg.Evaluator()
	status := StatusReplied
	switch {
	case ev.IsNack():
		status = StatusNacked
	case ev.IsAck():
		status = StatusAcked
	}
	fb.Set(FieldStatus, status)
	fb.Set(FieldReplyID, msg.MessageID)
	fb.Where(FieldStatus, StatusPending)

	err := env.Aggregation.AddRequest(ctx, fb, a.strategyOr(aggregation.OptimisticUpdate))
	if err == nil {
		return Result{Outcome: OutcomeContinue, Description: "Reply joined to " + fb.Key()}, nil
	}

	var failure *aggregation.FailureError
	if !errors.Is(err, aggregation.ErrNoRowsUpdated) && !errors.As(err, &failure) {
		return Result{}, fmt.Errorf("failed to join reply %s: %w", msg.MessageID, err)
	}

	probe := &aggregation.Code{Table: fb.Table, Token: fb.Token, ID: fb.ID}
	exists, perr := env.Aggregation.Exists(ctx, probe)
	if perr != nil {
		return Result{}, fmt.Errorf("failed to check request of reply %s: %w", msg.MessageID, perr)
	}
	if exists {
		return Result{}, env.Investigate(ctx, msg, env.Config.DuplicateReplyQueue(msg.Queue), "duplicate reply for "+fb.Key(), err)
	}

	delayed := env.Config.DelayedReplyQueue()
	if delayed == "" {
		return Result{}, env.Investigate(ctx, msg, "", "no request on file for reply "+fb.Key(), err)
	}

	from := msg.Queue
	msg.Queue = delayed
	msg.Sequence = 0
	if err := env.Store.Move(ctx, from, &msg.Record); err != nil {
		msg.Queue = from
		return Result{}, fmt.Errorf("failed to delay reply %s: %w", msg.MessageID, err)
	}
	req := JobRequest{ID: env.newID(), MessageID: msg.MessageID, Queue: delayed, Function: "F=Route", Deferred: true}
	if err := env.Jobs.InsertJob(ctx, req); err != nil {
		return Result{}, fmt.Errorf("failed to park delayed reply %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeRedirected, Queue: delayed, Description: "Reply delayed to " + delayed + ", no request on file for " + fb.Key()}, nil
}

// UpdateLiquidities books the message amount on the running balance of its currency
type UpdateLiquidities struct {
	Direction string `param:"direction"`
	Table     string `param:"table"`
}

func (a *UpdateLiquidities) Type() ActionType { return ActionUpdateLiquidities }
func (a *UpdateLiquidities) Terminal() bool { return false }
func (a *UpdateLiquidities) Mutates() bool { return false }

func (a *UpdateLiquidities) validate() error {
	switch strings.ToUpper(a.Direction) {
	case "", "DEBIT", "CREDIT":
		return nil
	}
	return fmt.Errorf("direction must be DEBIT or CREDIT, got %q", a.Direction)
}

func (a *UpdateLiquidities) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	ev := msg.Evaluator()
	amount, err := ev.GetField("AMOUNT")
	if err != nil {
		return Result{}, NewFatalError("Message "+msg.MessageID+" carries no amount", "", err)
	}
	currency, err := ev.GetField("CURRENCY")
	if err != nil {
		return Result{}, NewFatalError("Message "+msg.MessageID+" carries no currency", "", err)
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(amount), ",", "."))
	if err != nil {
		return Result{}, &ValidationError{Kind: "amount", Text: amount, Err: err}
	}

	table := a.Table
	if table == "" {
		table = "LIQUIDITY"
	}
	read := &aggregation.Code{Table: table, Token: "CURRENCY", ID: currency}
	read.Want(FieldBalance)
	balance := decimal.Zero
	switch err := env.Aggregation.Read(ctx, read); {
	case err == nil:
		if b := read.Value(FieldBalance); b != "" {
			if balance, err = decimal.NewFromString(b); err != nil {
				return Result{}, fmt.Errorf("invalid balance %q for %s: %w", b, currency, err)
			}
		}
	case errors.Is(err, aggregation.ErrNoRows):
	default:
		return Result{}, fmt.Errorf("failed to read liquidity of %s: %w", currency, err)
	}

	verb := "debited"
	if strings.EqualFold(a.Direction, "CREDIT") {
		balance = balance.Add(value)
		verb = "credited"
	} else {
		balance = balance.Sub(value)
	}

	write := &aggregation.Code{Table: table, Token: "CURRENCY", ID: currency}
	write.Set(FieldBalance, balance.StringFixed(2))
	write.Set(FieldUpdatedBy, msg.MessageID)
	if err := env.Aggregation.AddRequest(ctx, write, aggregation.InsertOrUpdate); err != nil {
		return Result{}, fmt.Errorf("failed to update liquidity of %s: %w", currency, err)
	}
	return Result{Outcome: OutcomeContinue, Description: fmt.Sprintf("Liquidity %s %s %s", currency, verb, value.StringFixed(2))}, nil
}
