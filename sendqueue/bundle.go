package sendqueue

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// bundle carries everything one attempt cycle needs: the job row, the
// manager's collaborators, and the time budget helpers.
type bundle struct {
	m   *Manager
	row *jobRow
	log *zap.SugaredLogger
}

func (b *bundle) timeRemainingMs() int64 {
	return int64(b.row.TimeoutAtMs) - int64(b.m.clock.CurrentTimeMs())
}

func (b *bundle) shouldContinue() bool {
	return b.timeRemainingMs() > 0
}

// finalAttempt reports whether no further attempt may be scheduled after
// this one.
func (b *bundle) finalAttempt() bool {
	return b.row.AttemptCount >= b.m.config.MaxSendAttempts || !b.shouldContinue()
}

// budgetExhausted is the local short-circuit for an attempt that starts with
// no time budget left. No network call is made.
func (b *bundle) budgetExhausted(messageID string) Outcome {
	b.log.Warnf("job %x has no time budget remaining, failing without attempting", b.row.ID)
	out := failed(errors.New("time budget exhausted"))
	out.MessageID = messageID
	return out
}

// savePayload rewrites the job's persisted payload, so a retry resumes from
// the remaining work instead of repeating completed sub-sends.
func (b *bundle) savePayload(payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sendqueue: error encoding payload %w", err)
	}
	b.row.Payload = body
	return nil
}

// ensureSyncOnce emits the sync message for this job at most once across its
// whole lifecycle.
func (b *bundle) ensureSyncOnce(emit func() error) bool {
	return b.m.fanout.ensureSyncOnce(b.row, emit)
}

// resolveRecipients resolves and validates the conversation's recipients.
// A non-nil outcome means the attempt must stop: either the store failed or
// the trust gate found untrusted identities.
func (b *bundle) resolveRecipients() ([]RecipientRef, *Outcome) {
	candidates, err := b.m.conversations.Recipients(b.row.ConversationID)
	if err != nil {
		out := classifySendError(fmt.Errorf("resolving recipients for %s: %w", b.row.ConversationID, err), b.finalAttempt())
		return nil, &out
	}
	refs := b.m.validator.validate(candidates)
	if out := b.gate(refs); out != nil {
		return nil, out
	}
	return refs, nil
}

// gate runs the trust gate over a recipient set. A non-nil result is the
// blocking outcome: nothing may be sent to anyone in this attempt.
func (b *bundle) gate(refs []RecipientRef) *Outcome {
	if untrusted := b.m.trust.check(refs); len(untrusted) > 0 {
		out := blocked(untrusted)
		return &out
	}
	return nil
}
