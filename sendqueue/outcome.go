package sendqueue

import (
	"errors"
	"fmt"
)

// The closed set of results an attempt cycle can produce. The manager's
// dispatch is a total function over these.
const (
	OutcomeSuccess = iota
	OutcomeCancel
	OutcomeBlocked
	OutcomeRetryable
	OutcomePartial
	OutcomeFailed
)

type Outcome struct {
	Kind      int
	Err       error
	MessageID string
	Succeeded []RecipientRef
	Remaining []RecipientRef
	Untrusted []RecipientRef
}

func success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

func cancelled(err error) Outcome {
	return Outcome{Kind: OutcomeCancel, Err: err}
}

func blocked(untrusted []RecipientRef) Outcome {
	return Outcome{Kind: OutcomeBlocked, Untrusted: untrusted}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// IdentityMismatchError indicates the recipient's identity key changed
// between trust check and send. Not transient.
type IdentityMismatchError struct {
	Recipient RecipientRef
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("identity key mismatch for %s", e.Recipient)
}

// UnregisteredError indicates the server confirmed the recipient is no
// longer registered. Not transient.
type UnregisteredError struct {
	Recipient RecipientRef
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("recipient %s is unregistered", e.Recipient)
}

// PartialSendError is returned by multi-recipient sends which distinguish
// accepted from rejected recipients.
type PartialSendError struct {
	Succeeded []RecipientRef
	Failed    []RecipientRef
	Cause     error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("sent to %d of %d recipients: %v", len(e.Succeeded), len(e.Succeeded)+len(e.Failed), e.Cause)
}

func (e *PartialSendError) Unwrap() error {
	return e.Cause
}

// classifySendError sorts a send error into the outcome taxonomy. Identity
// mismatches and confirmed-unregistered recipients cancel the job since the
// precondition that made the recipient sendable no longer holds. Structured
// multi-recipient results become partial outcomes. Everything else is
// retryable, escalated to failed on the final attempt.
func classifySendError(err error, finalAttempt bool) Outcome {
	if err == nil {
		return success()
	}

	var mismatch *IdentityMismatchError
	if errors.As(err, &mismatch) {
		return cancelled(err)
	}
	var unregistered *UnregisteredError
	if errors.As(err, &unregistered) {
		return cancelled(err)
	}
	var partial *PartialSendError
	if errors.As(err, &partial) {
		return Outcome{
			Kind:      OutcomePartial,
			Err:       err,
			Succeeded: partial.Succeeded,
			Remaining: partial.Failed,
		}
	}
	if finalAttempt {
		return failed(err)
	}
	return Outcome{Kind: OutcomeRetryable, Err: err}
}
