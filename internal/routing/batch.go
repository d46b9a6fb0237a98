package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuongbtq/msgroute/internal/payload"
)

// Assemble collects the items of a batch into the envelope message. Without
// a template it toggles the hold flag of an autobatch envelope instead.
type Assemble struct {
	Template string `param:"template"`
}

func (a *Assemble) Type() ActionType { return ActionAssemble }
func (a *Assemble) Terminal() bool { return false }
func (a *Assemble) Mutates() bool { return true }

func (a *Assemble) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	if a.Template == "" {
		msg.Held = !msg.Held
		msg.Options = ""
		if err := env.Store.Update(ctx, &msg.Record); err != nil {
			return Result{}, fmt.Errorf("failed to toggle autobatch %s: %w", msg.MessageID, err)
		}
		return Result{Outcome: OutcomeContinue, Description: "Autobatch hold set to " + strconv.FormatBool(msg.Held)}, nil
	}

	batchID := msg.BatchID
	if batchID == "" {
		batchID = msg.MessageID
	}
	records, err := env.Store.ReadBatch(ctx, msg.Queue, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	items := make([]*Record, 0, len(records))
	for _, rec := range records {
		if rec.MessageID != msg.MessageID {
			items = append(items, rec)
		}
	}

	params := map[string]string{
		"batchId": batchID,
		"count":   strconv.Itoa(len(items)),
	}
	if err := transformPayload(ctx, env, msg, a.Template, params); err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	buf.Write(bytes.TrimRight(msg.Payload, "\r\n"))
	for _, item := range items {
		buf.WriteByte('\n')
		buf.Write(bytes.TrimRight(item.Payload, "\r\n"))
	}
	msg.SetPayload(buf.Bytes())
	msg.RequestType = RequestBatch
	msg.BatchID = batchID
	msg.Options = ""

	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to store assembled batch %s: %w", batchID, err)
	}
	for _, item := range items {
		if err := env.Store.Delete(ctx, item.Queue, item.MessageID); err != nil {
			return Result{}, fmt.Errorf("failed to remove assembled item %s: %w", item.MessageID, err)
		}
	}
	return Result{Outcome: OutcomeContinue, Description: fmt.Sprintf("Assembled %d items into %s", len(items), batchID)}, nil
}

// Disassemble splits a batch document. The first item replaces the batch
// message in place; every other item becomes a new message with its own job.
// Items carry the sequence of the disassembling rule, so their jobs resume
// routing after it.
type Disassemble struct {
	Template string `param:"template"`
}

func (a *Disassemble) Type() ActionType { return ActionDisassemble }
func (a *Disassemble) Terminal() bool { return false }
func (a *Disassemble) Mutates() bool { return true }

func (a *Disassemble) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	items := [][]byte{msg.Payload}
	if splitter, ok := msg.Evaluator().(payload.Splitter); ok {
		split, err := splitter.Split()
		switch {
		case err == nil:
			items = split
		case errors.Is(err, payload.ErrNotBatch):
		default:
			return Result{}, NewFatalError("Failed to split batch "+msg.MessageID, "", err)
		}
	}

	batchID := msg.BatchID
	if batchID == "" {
		batchID = msg.MessageID
	}

	for i, item := range items {
		if a.Template != "" {
			params := map[string]string{"batchId": batchID, "index": strconv.Itoa(i + 1), "count": strconv.Itoa(len(items))}
			out, _, err := env.Transformer.Transform(ctx, item, a.Template, params)
			if err != nil {
				return Result{}, fmt.Errorf("failed to transform item %d of %s: %w", i+1, batchID, err)
			}
			item = out
		}

		if i == 0 {
			if err := a.updateFirst(ctx, env, msg, item, batchID); err != nil {
				return Result{}, err
			}
		} else if err := a.insertItem(ctx, env, msg, item, batchID); err != nil {
			return Result{}, err
		}

		if isLast(i, items) {
			return Result{Outcome: OutcomeCompleted, Description: fmt.Sprintf("Disassembled %s into %d items", batchID, len(items))}, ErrMessageDeleted
		}
	}
	return Result{}, NewFatalError("Batch "+batchID+" holds no items", "", nil)
}

func isLast(i int, items [][]byte) bool {
	return i == len(items)-1
}

func (a *Disassemble) updateFirst(ctx context.Context, env *Env, msg *Message, item []byte, batchID string) error {
	msg.SetPayload(item)
	msg.RequestType = RequestSingle
	msg.BatchID = batchID
	msg.Sequence = env.Cursor()
	msg.Options = ""
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return fmt.Errorf("failed to update first item of %s: %w", batchID, err)
	}
	req := JobRequest{ID: env.newID(), MessageID: msg.MessageID, Queue: msg.Queue, Function: "F=Route", BatchID: batchID}
	if err := env.Jobs.InsertJob(ctx, req); err != nil {
		return fmt.Errorf("failed to schedule first item of %s: %w", batchID, err)
	}
	return nil
}

func (a *Disassemble) insertItem(ctx context.Context, env *Env, msg *Message, item []byte, batchID string) error {
	child := NewMessage(Record{
		MessageID:     env.newID(),
		Queue:         msg.Queue,
		CorrelationID: msg.CorrelationID,
		BatchID:       batchID,
		SessionID:     msg.SessionID,
		Requestor:     msg.Requestor,
		Responder:     msg.Responder,
		RequestType:   RequestSingle,
		Priority:      msg.Priority,
		ValueDate:     msg.ValueDate,
		Format:        msg.Format,
		Payload:       item,
	})
	child.Sequence = env.Cursor()
	if err := env.Store.Insert(ctx, &child.Record); err != nil {
		return fmt.Errorf("failed to insert item of %s: %w", batchID, err)
	}
	req := JobRequest{ID: child.MessageID, MessageID: child.MessageID, Queue: child.Queue, Function: "F=Route", BatchID: batchID}
	if err := env.Jobs.InsertJob(ctx, req); err != nil {
		return fmt.Errorf("failed to schedule item of %s: %w", batchID, err)
	}
	return nil
}
