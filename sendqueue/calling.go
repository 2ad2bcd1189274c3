package sendqueue

import (
	"context"

	"github.com/meow-io/go-courier/ids"
)

// CallingMessagePayload describes a calling signaling message. Group sends
// fan out to the sender-key group target; direct sends address the single
// peer. MessageID, when set, names the stored message carrying per-recipient
// send status so retries only target recipients not yet reached. Without a
// MessageID there is no send-status snapshot and a retry after a partial
// result addresses the full recipient set again.
type CallingMessagePayload struct {
	MessageID   string `json:"message_id,omitempty"`
	Group       bool   `json:"group"`
	Message     []byte `json:"message"`
	TimestampMs uint64 `json:"timestamp_ms"`
	Urgent      bool   `json:"urgent"`
}

func (m *Manager) EnqueueCallingMessage(conversationID string, payload CallingMessagePayload) (ids.ID, error) {
	return m.enqueue(conversationID, KindCallingMessage, payload, 0)
}

type callingMessageJob struct {
	payload CallingMessagePayload
}

func (j *callingMessageJob) attempt(ctx context.Context, b *bundle) Outcome {
	p := j.payload
	if !b.shouldContinue() {
		return b.budgetExhausted(p.MessageID)
	}

	refs, out := b.resolveRecipients()
	if out != nil {
		out.MessageID = p.MessageID
		return *out
	}
	if !p.Group && len(refs) > 0 && b.m.conversations.IsUnregistered(refs[0]) {
		return cancelled(&UnregisteredError{Recipient: refs[0]})
	}

	var msg *Message
	if p.MessageID != "" {
		var err error
		msg, err = b.m.messages.GetByID(p.MessageID)
		if err != nil {
			res := classifySendError(err, b.finalAttempt())
			res.MessageID = p.MessageID
			return res
		}
		if msg != nil {
			refs = unsentOnly(msg, refs)
		}
	}
	if len(refs) == 0 {
		return success()
	}

	var sendErr error
	if p.Group {
		sendErr = b.m.messaging.SendCallingMessageToGroup(ctx, b.row.ConversationID, refs, p.Message, p.TimestampMs, p.Urgent)
	} else {
		sendErr = b.m.messaging.SendCallingMessage(ctx, refs[0], p.Message, p.TimestampMs, p.Urgent)
	}

	res := classifySendError(sendErr, b.finalAttempt())
	res.MessageID = p.MessageID
	if msg != nil {
		switch res.Kind {
		case OutcomeSuccess:
			markSent(b, msg, refs)
		case OutcomePartial:
			markSent(b, msg, res.Succeeded)
		}
	}
	return res
}

func unsentOnly(msg *Message, refs []RecipientRef) []RecipientRef {
	unsent := make([]RecipientRef, 0, len(refs))
	for _, r := range refs {
		if msg.SendStatus[r] {
			continue
		}
		unsent = append(unsent, r)
	}
	return unsent
}

// markSent records send progress immediately so a crash mid-retry does not
// lose it.
func markSent(b *bundle, msg *Message, refs []RecipientRef) {
	if len(refs) == 0 {
		return
	}
	if msg.SendStatus == nil {
		msg.SendStatus = make(map[RecipientRef]bool, len(refs))
	}
	for _, r := range refs {
		msg.SendStatus[r] = true
	}
	if err := b.m.messages.Save(msg); err != nil {
		b.log.Warnf("error saving send status for message %s: %v", msg.ID, err)
	}
}
