package chat

import (
	"context"
	"errors"

	"github.com/qmuntal/stateless"

	"github.com/comigor/jackbot/internal/logger"
)

// Exchange states
type exchangeState string

const (
	stateIdle      exchangeState = "Idle"
	stateSent      exchangeState = "Sent"
	stateSucceeded exchangeState = "Succeeded"
	stateFailed    exchangeState = "Failed"
)

// Exchange triggers
type exchangeTrigger string

const (
	triggerSend    exchangeTrigger = "Send"
	triggerSucceed exchangeTrigger = "Succeed"
	triggerFail    exchangeTrigger = "Fail"
	triggerReset   exchangeTrigger = "Reset"
)

// exchange is one submit: Idle -> Sent -> {Succeeded, Failed} -> Idle.
// Entering Sent appends the user entry; Succeeded appends the bot entry;
// Failed rolls the user entry back. No retries.
type exchange struct {
	s      *Session
	text   string
	ticket *ticket
	user   Entry
	reply  Reply
	fsm    *stateless.StateMachine
}

func newExchange(s *Session, text string, t *ticket) *exchange {
	ex := &exchange{s: s, text: text, ticket: t}

	fsm := stateless.NewStateMachine(stateIdle)

	fsm.Configure(stateIdle).
		Permit(triggerSend, stateSent)

	fsm.Configure(stateSent).
		OnEntry(ex.onSent).
		Permit(triggerSucceed, stateSucceeded).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateSucceeded).
		OnEntry(ex.onSucceeded).
		Permit(triggerReset, stateIdle)

	fsm.Configure(stateFailed).
		OnEntry(ex.onFailed).
		Permit(triggerReset, stateIdle)

	fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("chat exchange transition", "session", s.id, "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
	})

	ex.fsm = fsm
	return ex
}

// start appends the user entry. It runs synchronously inside Submit.
func (ex *exchange) start(ctx context.Context) {
	ex.fire(ctx, triggerSend)
}

// finish waits for its turn, sends the request and resolves the exchange.
func (ex *exchange) finish(ctx context.Context) Reply {
	waitErr := ex.ticket.wait(ctx)

	var (
		reply string
		err   error
	)
	if waitErr != nil {
		err = &TransportError{Err: waitErr}
	} else {
		reply, err = ex.s.post(ctx, ex.text)
	}

	if err != nil {
		ex.fire(ctx, triggerFail, err)
	} else {
		ex.fire(ctx, triggerSucceed, reply)
	}
	ex.fire(ctx, triggerReset)

	// released after the bot entry lands so serial replies keep their order
	ex.ticket.release(waitErr == nil)
	return ex.reply
}

func (ex *exchange) state() exchangeState {
	return ex.fsm.MustState().(exchangeState)
}

func (ex *exchange) fire(ctx context.Context, trigger exchangeTrigger, args ...any) {
	if err := ex.fsm.FireCtx(ctx, trigger, args...); err != nil {
		logger.L.Error("chat exchange state machine", "session", ex.s.id, "trigger", trigger, "error", err)
	}
}

func (ex *exchange) onSent(_ context.Context, _ ...any) error {
	ex.user = newEntry(RoleUser, ex.text, ex.s.now())
	ex.s.hist.add(ex.user)
	ex.s.emit(Event{Type: EventEntry, Entry: ex.user})
	return nil
}

func (ex *exchange) onSucceeded(_ context.Context, args ...any) error {
	text, _ := args[0].(string)
	bot := newEntry(RoleBot, text, ex.s.now())
	ex.s.hist.add(bot)
	ex.s.emit(Event{Type: EventEntry, Entry: bot})
	ex.reply = Reply{Text: text, Outcome: OutcomeSucceeded}
	return nil
}

func (ex *exchange) onFailed(_ context.Context, args ...any) error {
	cause, _ := args[0].(error)

	attrs := []any{"session", ex.s.id, "contract", ex.s.contract.Name(), "error", cause}
	var te *TransportError
	if errors.As(cause, &te) && te.Status != 0 {
		attrs = append(attrs, "status", te.Status)
	}
	logger.L.Warn("chat exchange failed; rolling back user entry", attrs...)

	if removed, ok := ex.s.hist.rollback(ex.user.ID); ok {
		ex.s.emit(Event{Type: EventRollback, Entry: removed})
	}
	fallback := newEntry(RoleBot, ex.s.fallback, ex.s.now())
	ex.s.emit(Event{Type: EventFallback, Entry: fallback})
	ex.reply = Reply{Text: ex.s.fallback, Outcome: OutcomeFailed, Err: cause}
	return nil
}
