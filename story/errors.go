package story

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidInput marks a request rejected before any log mutation or generation call.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInternalState marks a log operation that does not match the log's shape.
	ErrInternalState = errors.New("internal state error")
	// ErrExchangePending is returned when a user turn is appended while the previous one is still unanswered.
	ErrExchangePending = errors.Wrap(ErrInternalState, "exchange still pending")
	// ErrBusy is returned while another turn is in flight for the same session.
	ErrBusy = errors.New("a turn is already in progress")
)

// Stage names the capability that failed.
type Stage string

const (
	StageText  Stage = "text"
	StageImage Stage = "image"
)

// CodeContentPolicy is the code OpenAI uses when a prompt is rejected by its safety system.
const CodeContentPolicy = "content_policy_violation"

// GenerationError is a failure of the text or image capability. Code carries the
// capability's own classification when it provided one.
type GenerationError struct {
	Stage Stage
	Code  string
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s generation failed (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ContentPolicy reports whether the capability refused the prompt on policy grounds.
func (e *GenerationError) ContentPolicy() bool { return e.Code == CodeContentPolicy }

// AsGenerationError wraps err for stage unless it already is a GenerationError.
func AsGenerationError(stage Stage, err error) *GenerationError {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		if ge.Stage == "" {
			ge.Stage = stage
		}
		return ge
	}
	return &GenerationError{Stage: stage, Err: err}
}

func invalidInputf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}
