package sendqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/ids"
)

// SenderKeyPayload carries an already-built sender key distribution message
// for a single direct recipient. The distribution id is the random UUID
// assigned to the group's sender key epoch.
type SenderKeyPayload struct {
	DistributionID uuid.UUID `json:"distribution_id"`
	GroupID        []byte    `json:"group_id"`
	Message        []byte    `json:"message"`
	Urgent         bool      `json:"urgent"`
}

func (m *Manager) EnqueueSenderKeyDistribution(conversationID string, payload SenderKeyPayload) (ids.ID, error) {
	return m.enqueue(conversationID, KindSenderKeyDistribution, payload, 0)
}

type senderKeyJob struct {
	payload SenderKeyPayload
}

func (j *senderKeyJob) attempt(ctx context.Context, b *bundle) Outcome {
	p := j.payload
	if !b.shouldContinue() {
		return b.budgetExhausted("")
	}

	// distribution targets are always direct conversations
	if b.m.conversations.IsGroup(b.row.ConversationID) {
		err := fmt.Errorf("sender key distribution targeted at group conversation %s", b.row.ConversationID)
		b.log.Errorf("cancelling job %x: %v", b.row.ID, err)
		return cancelled(err)
	}
	if len(p.GroupID) != 16 {
		err := fmt.Errorf("sender key distribution with malformed group id %x", p.GroupID)
		b.log.Errorf("cancelling job %x: %v", b.row.ID, err)
		return cancelled(err)
	}

	refs, out := b.resolveRecipients()
	if out != nil {
		return *out
	}
	if len(refs) == 0 {
		return success()
	}
	recipient := refs[0]
	if b.m.conversations.IsUnregistered(recipient) {
		return cancelled(&UnregisteredError{Recipient: recipient})
	}

	err := b.m.messaging.SendSenderKeyDistribution(ctx, p.DistributionID, ids.IDFromBytes(p.GroupID), recipient, p.Message, p.Urgent)
	return classifySendError(err, b.finalAttempt())
}
