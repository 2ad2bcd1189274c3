package sendqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/ids"
)

// DeleteStoryPayload describes a "delete for everyone" operation on a story.
// The recipient set is the story's persisted per-recipient send-status
// snapshot, not derived fresh each attempt.
type DeleteStoryPayload struct {
	StoryID     string `json:"story_id"`
	DeletedAtMs uint64 `json:"deleted_at_ms"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

type deleteSyncMessage struct {
	Type        string `json:"type"`
	StoryID     string `json:"story_id"`
	DeletedAtMs uint64 `json:"deleted_at_ms"`
}

func (m *Manager) EnqueueDeleteStoryForEveryone(conversationID string, payload DeleteStoryPayload) (ids.ID, error) {
	return m.enqueue(conversationID, KindDeleteStoryForEveryone, payload, 0)
}

type deleteStoryJob struct {
	payload DeleteStoryPayload
}

// Each outstanding recipient is an independent direct send; they run in
// parallel while the job stays one unit for queue ordering. Recipients found
// blocked, unregistered or not yet accepted are excluded from this operation
// permanently with the reason recorded on the story.
func (j *deleteStoryJob) attempt(ctx context.Context, b *bundle) Outcome {
	p := j.payload
	if !b.shouldContinue() {
		return b.budgetExhausted(p.StoryID)
	}

	msg, err := b.m.messages.GetByID(p.StoryID)
	if err != nil {
		res := classifySendError(fmt.Errorf("loading story %s: %w", p.StoryID, err), b.finalAttempt())
		res.MessageID = p.StoryID
		return res
	}
	if msg == nil {
		return cancelled(fmt.Errorf("story %s no longer exists", p.StoryID))
	}

	outstanding := b.m.validator.validate(msg.Unsent())
	nothingToSend := len(outstanding) == 0
	if out := b.gate(outstanding); out != nil {
		return *out
	}

	sendable := make([]RecipientRef, 0, len(outstanding))
	excluded := false
	for _, r := range outstanding {
		reason := ""
		switch {
		case b.m.conversations.IsBlocked(r):
			reason = "blocked"
		case b.m.conversations.IsUnregistered(r):
			reason = "unregistered"
		case !b.m.conversations.IsAccepted(r):
			reason = "not accepted"
		}
		if reason == "" {
			sendable = append(sendable, r)
			continue
		}
		b.log.Warnf("excluding %s from delete of story %s: %s", r, p.StoryID, reason)
		excludeRecipient(msg, r, reason)
		excluded = true
	}
	if excluded {
		if err := b.m.messages.Save(msg); err != nil {
			b.log.Warnf("error saving exclusions for story %s: %v", p.StoryID, err)
		}
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		sentAny   bool
		remaining []RecipientRef
		sendErr   error
	)
	for i, r := range sendable {
		if !b.shouldContinue() {
			// out of budget mid-fanout, let in-flight sends finish but
			// start no new ones
			mu.Lock()
			remaining = append(remaining, sendable[i:]...)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(r RecipientRef) {
			defer wg.Done()
			err := b.m.messaging.SendMessageToServiceID(ctx, r, p.DeletedAtMs, p.TimestampMs)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				msg.SendStatus[r] = true
				sentAny = true
				if err := b.m.messages.Save(msg); err != nil {
					b.log.Warnf("error saving send status for story %s: %v", p.StoryID, err)
				}
				return
			}
			var mismatch *IdentityMismatchError
			var unregistered *UnregisteredError
			switch {
			case errors.As(err, &mismatch):
				b.log.Warnf("excluding %s from delete of story %s: identity mismatch", r, p.StoryID)
				excludeRecipient(msg, r, "identity mismatch")
			case errors.As(err, &unregistered):
				b.log.Warnf("excluding %s from delete of story %s: unregistered", r, p.StoryID)
				excludeRecipient(msg, r, "unregistered")
			default:
				remaining = append(remaining, r)
				sendErr = err
				return
			}
			if err := b.m.messages.Save(msg); err != nil {
				b.log.Warnf("error saving send status for story %s: %v", p.StoryID, err)
			}
		}(r)
	}
	wg.Wait()

	// other devices learn about the delete as soon as anything has been
	// sent, or right away when there was nothing to send at all
	if sentAny || nothingToSend {
		b.ensureSyncOnce(func() error {
			body, err := json.Marshal(&deleteSyncMessage{
				Type:        "delete_for_everyone",
				StoryID:     p.StoryID,
				DeletedAtMs: p.DeletedAtMs,
			})
			if err != nil {
				return err
			}
			return b.m.messaging.SendSyncMessage(ctx, body)
		})
	}

	if len(remaining) == 0 {
		return success()
	}
	return Outcome{
		Kind:      OutcomePartial,
		Err:       sendErr,
		MessageID: p.StoryID,
		Remaining: remaining,
	}
}

func excludeRecipient(msg *Message, r RecipientRef, reason string) {
	if msg.FailedRecipients == nil {
		msg.FailedRecipients = make(map[RecipientRef]string)
	}
	msg.FailedRecipients[r] = reason
}
