package sendqueue

import (
	"context"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/ids"
)

// A RecipientRef identifies a single sendable peer by its service id.
type RecipientRef string

// Messaging is the network send capability this queue drives. Implementations
// perform the actual encryption and wire transfer. Errors returned here are
// classified by the queue, never surfaced raw.
type Messaging interface {
	SendCallingMessage(ctx context.Context, recipient RecipientRef, message []byte, timestampMs uint64, urgent bool) error
	SendCallingMessageToGroup(ctx context.Context, conversationID string, recipients []RecipientRef, message []byte, timestampMs uint64, urgent bool) error
	SendMessageToServiceID(ctx context.Context, recipient RecipientRef, deletedForEveryoneTimestampMs, timestampMs uint64) error
	SendSenderKeyDistribution(ctx context.Context, distributionID uuid.UUID, groupID ids.ID, recipient RecipientRef, message []byte, urgent bool) error
	SendSyncMessage(ctx context.Context, payload []byte) error
	SendDeliveryReceipts(ctx context.Context, senderID RecipientRef, timestampsMs []uint64) error
	SendReadReceipts(ctx context.Context, senderID RecipientRef, timestampsMs []uint64) error
	SendViewedReceipts(ctx context.Context, senderID RecipientRef, timestampsMs []uint64) error
}

// ConversationStore exposes the conversation and identity state the queue
// consults before touching the network.
type ConversationStore interface {
	Recipients(conversationID string) ([]RecipientRef, error)
	SelfRef() RecipientRef
	IsGroup(conversationID string) bool
	IsUntrusted(recipient RecipientRef) bool
	IsUnregistered(recipient RecipientRef) bool
	IsBlocked(recipient RecipientRef) bool
	IsAccepted(recipient RecipientRef) bool
	ReadReceiptsEnabled() bool
}

// Message is the queue's view of a stored message or story. SendStatus maps
// each addressed recipient to whether it has been sent to, so retries only
// target recipients still marked false. FailedRecipients records recipients
// permanently excluded from this operation along with the reason.
type Message struct {
	ID               string
	SendStatus       map[RecipientRef]bool
	FailedRecipients map[RecipientRef]string
	SendFailed       bool
}

// Unsent returns the recipients still marked unsent and not permanently failed.
func (m *Message) Unsent() []RecipientRef {
	unsent := make([]RecipientRef, 0, len(m.SendStatus))
	for r, sent := range m.SendStatus {
		if sent {
			continue
		}
		if _, failed := m.FailedRecipients[r]; failed {
			continue
		}
		unsent = append(unsent, r)
	}
	return unsent
}

// MessageStore persists messages and their per-recipient send status.
// GetByID returns nil without error when no message exists for the id.
type MessageStore interface {
	GetByID(id string) (*Message, error)
	Save(m *Message) error
}

// Notifier is the UI notification sink. Calls are fire-and-forget.
type Notifier interface {
	NotifyVerificationRequired(conversationID string, untrusted []RecipientRef)
}
