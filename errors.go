package nodeflow

import (
	"errors"
	"fmt"

	"github.com/nodeflow/nodeflow/internal/apierror"
)

var (
	// ErrUnknownNodeType is returned when neither the plugin nor a built-in handles a node type.
	ErrUnknownNodeType = errors.New("unknown node type")
	// ErrStaleExecution marks external tasks that ran past the poller's stale window.
	ErrStaleExecution = errors.New("task timed out")
	// ErrPollBudgetExhausted marks external tasks still running after the last allowed poll.
	ErrPollBudgetExhausted = errors.New("polling timeout")
	// ErrDuplicateExecution is the no-op outcome of guards that stop a node from running twice.
	ErrDuplicateExecution = errors.New("node task already queued or running")
	ErrCycleDetected      = errors.New("workflow graph contains a cycle")
)

// UnknownNodeTypeError carries the rejected node type and, when one is close enough, a suggestion.
type UnknownNodeTypeError struct {
	NodeType   string
	Suggestion string
}

func (e *UnknownNodeTypeError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown node type: %s (did you mean %s?)", e.NodeType, e.Suggestion)
	}
	return fmt.Sprintf("unknown node type: %s", e.NodeType)
}

func (e *UnknownNodeTypeError) Is(target error) bool {
	return target == ErrUnknownNodeType
}

// TransientProviderError is a provider failure that may succeed on a later poll.
type TransientProviderError struct {
	Provider string
	Message  string
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// TerminalProviderError is a provider failure that ends the node.
type TerminalProviderError struct {
	Provider string
	Message  string
}

func (e *TerminalProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func newInsufficientCreditsError(available, required int64) error {
	return apierror.NewAPIError(apierror.ErrInsufficientCredits,
		fmt.Sprintf("insufficient credits: %d available, %d required", available, required), nil)
}

// IsInsufficientCredits reports whether err is a credit charge rejected for lack of balance.
func IsInsufficientCredits(err error) bool {
	return apierror.HasCode(err, apierror.ErrInsufficientCredits)
}
