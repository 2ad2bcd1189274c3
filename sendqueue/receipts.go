package sendqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

// A Receipt acknowledges one message from one sender.
type Receipt struct {
	SenderID    RecipientRef `json:"sender_id"`
	TimestampMs uint64       `json:"timestamp_ms"`
}

// ReceiptPayload batches delivery, read or viewed receipts. Receipts are
// grouped by owning sender and chunked to bound request size; the persisted
// payload shrinks as chunks land so retries only resend what is left.
type ReceiptPayload struct {
	Type     string    `json:"type"`
	Receipts []Receipt `json:"receipts"`
}

func (m *Manager) EnqueueReceipts(conversationID string, payload ReceiptPayload) (ids.ID, error) {
	if payload.Type != ReceiptDelivery && payload.Type != ReceiptRead && payload.Type != ReceiptViewed {
		return ids.ID{}, fmt.Errorf("sendqueue: unknown receipt type %s", payload.Type)
	}
	return m.enqueue(conversationID, KindReceipt, payload, 0)
}

type receiptJob struct {
	payload ReceiptPayload
}

func (j *receiptJob) attempt(ctx context.Context, b *bundle) Outcome {
	p := j.payload
	if !b.shouldContinue() {
		return b.budgetExhausted("")
	}

	// user-visibility precondition, checked once per receipt type. Disabled
	// read receipts are a no-op skip, not an error.
	if (p.Type == ReceiptRead || p.Type == ReceiptViewed) && !b.m.conversations.ReadReceiptsEnabled() {
		b.log.Debugf("read receipts disabled, skipping %d %s receipts", len(p.Receipts), p.Type)
		return success()
	}

	senders := make([]RecipientRef, 0, len(p.Receipts))
	bySender := make(map[RecipientRef][]uint64, len(p.Receipts))
	for _, r := range p.Receipts {
		if _, ok := bySender[r.SenderID]; !ok {
			senders = append(senders, r.SenderID)
		}
		bySender[r.SenderID] = append(bySender[r.SenderID], r.TimestampMs)
	}
	senders = b.m.validator.validate(senders)
	if out := b.gate(senders); out != nil {
		return *out
	}

	var (
		remaining []Receipt
		sendErr   error
	)
	for _, sender := range senders {
		timestamps := bySender[sender]
		for start := 0; start < len(timestamps); start += b.m.config.ReceiptChunkSize {
			end := start + b.m.config.ReceiptChunkSize
			if end > len(timestamps) {
				end = len(timestamps)
			}
			chunk := timestamps[start:end]
			if !b.shouldContinue() {
				remaining = appendReceipts(remaining, sender, timestamps[start:])
				break
			}
			if err := j.sendChunk(ctx, b, sender, chunk); err != nil {
				var mismatch *IdentityMismatchError
				var unregistered *UnregisteredError
				if errors.As(err, &mismatch) || errors.As(err, &unregistered) {
					// this sender can no longer receive receipts; a chunk
					// failure here must not cancel sibling senders
					b.log.Warnf("dropping %s receipts for %s: %v", p.Type, sender, err)
					break
				}
				sendErr = err
				remaining = appendReceipts(remaining, sender, timestamps[start:])
				break
			}
		}
	}

	if len(remaining) == 0 {
		return success()
	}
	if err := b.savePayload(ReceiptPayload{Type: p.Type, Receipts: remaining}); err != nil {
		b.log.Warnf("error persisting remaining receipts for job %x: %v", b.row.ID, err)
	}
	return Outcome{Kind: OutcomePartial, Err: sendErr, Remaining: remainingSenders(remaining)}
}

func remainingSenders(receipts []Receipt) []RecipientRef {
	seen := make(map[RecipientRef]bool, len(receipts))
	senders := make([]RecipientRef, 0, len(receipts))
	for _, r := range receipts {
		if seen[r.SenderID] {
			continue
		}
		seen[r.SenderID] = true
		senders = append(senders, r.SenderID)
	}
	return senders
}

func (j *receiptJob) sendChunk(ctx context.Context, b *bundle, sender RecipientRef, timestamps []uint64) error {
	switch j.payload.Type {
	case ReceiptDelivery:
		return b.m.messaging.SendDeliveryReceipts(ctx, sender, timestamps)
	case ReceiptRead:
		return b.m.messaging.SendReadReceipts(ctx, sender, timestamps)
	case ReceiptViewed:
		return b.m.messaging.SendViewedReceipts(ctx, sender, timestamps)
	default:
		return fmt.Errorf("unknown receipt type %s", j.payload.Type)
	}
}

func appendReceipts(receipts []Receipt, sender RecipientRef, timestamps []uint64) []Receipt {
	for _, t := range timestamps {
		receipts = append(receipts, Receipt{SenderID: sender, TimestampMs: t})
	}
	return receipts
}
