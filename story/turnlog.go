package story

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Exchange is a user turn and the assistant turn it produced, undone as one unit.
// Assistant is nil while generation is still running.
type Exchange struct {
	ID        string
	User      Turn
	Assistant *Turn
}

// Pending reports whether the exchange is still waiting for its assistant turn.
func (e Exchange) Pending() bool { return e.Assistant == nil }

// TurnLog is the ordered conversation passed to the text capability on every
// call. It always starts with exactly one system turn.
//
// TurnLog is not safe for concurrent use; Controller serialises access.
type TurnLog struct {
	system    Turn
	exchanges []Exchange
}

// NewTurnLog returns a log holding only the system turn.
func NewTurnLog(systemPrompt string) *TurnLog {
	if systemPrompt == "" {
		systemPrompt = SystemPrompt
	}
	return &TurnLog{system: Turn{Role: RoleSystem, Content: systemPrompt}}
}

// Len returns the number of turns, system turn included.
func (l *TurnLog) Len() int {
	n := 1
	for _, ex := range l.exchanges {
		n++
		if !ex.Pending() {
			n++
		}
	}
	return n
}

// IsFirstTurn is true when only the system turn is present.
func (l *TurnLog) IsFirstTurn() bool { return l.Len() == 1 }

// Messages flattens the log into the order sent to the text capability.
func (l *TurnLog) Messages() []Turn {
	out := make([]Turn, 0, l.Len())
	out = append(out, l.system)
	for _, ex := range l.exchanges {
		out = append(out, ex.User)
		if ex.Assistant != nil {
			out = append(out, *ex.Assistant)
		}
	}
	return out
}

// Exchanges returns a copy of the exchanges in order.
func (l *TurnLog) Exchanges() []Exchange {
	out := make([]Exchange, len(l.exchanges))
	for i, ex := range l.exchanges {
		out[i] = ex
		if ex.Assistant != nil {
			a := *ex.Assistant
			out[i].Assistant = &a
		}
	}
	return out
}

// AppendUser opens a new exchange and returns its id.
func (l *TurnLog) AppendUser(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", invalidInputf("user turn is empty")
	}
	if n := len(l.exchanges); n > 0 && l.exchanges[n-1].Pending() {
		return "", ErrExchangePending
	}
	id := uuid.NewString()
	l.exchanges = append(l.exchanges, Exchange{
		ID:   id,
		User: Turn{Role: RoleUser, Content: content},
	})
	return id, nil
}

// AppendAssistant completes the pending exchange id.
func (l *TurnLog) AppendAssistant(id, content string) error {
	n := len(l.exchanges)
	if n == 0 || l.exchanges[n-1].ID != id {
		return errors.Wrapf(ErrInternalState, "exchange %s is not the latest", id)
	}
	if !l.exchanges[n-1].Pending() {
		return errors.Wrapf(ErrInternalState, "exchange %s already answered", id)
	}
	l.exchanges[n-1].Assistant = &Turn{Role: RoleAssistant, Content: content}
	return nil
}

// Discard drops exchange id if it is the latest and still pending. It reports
// whether anything was removed.
func (l *TurnLog) Discard(id string) bool {
	n := len(l.exchanges)
	if n == 0 || l.exchanges[n-1].ID != id || !l.exchanges[n-1].Pending() {
		return false
	}
	l.exchanges = l.exchanges[:n-1]
	return true
}

// UndoLastTurn removes the most recent exchange, answered or not. On a log
// holding only the system turn it does nothing and returns false. Each call
// removes one more exchange.
func (l *TurnLog) UndoLastTurn() bool {
	n := len(l.exchanges)
	if n == 0 {
		return false
	}
	l.exchanges[n-1] = Exchange{}
	l.exchanges = l.exchanges[:n-1]
	return true
}

// Reset discards every exchange, leaving the system turn.
func (l *TurnLog) Reset() {
	l.exchanges = nil
}

// Story returns the assistant turns' text in order.
func (l *TurnLog) Story() []string {
	var out []string
	for _, ex := range l.exchanges {
		if ex.Assistant != nil {
			out = append(out, ex.Assistant.Content)
		}
	}
	return out
}
