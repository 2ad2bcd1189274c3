// Package implements a durable per-conversation queue for outgoing send jobs.
// Jobs for the same conversation run strictly one at a time in submission
// order; jobs for different conversations run independently. Each attempt is
// classified into a closed outcome set which drives retry, cancellation and
// partial-send bookkeeping.
package sendqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	internal "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
)

type (
	UpdateChannel chan interface{}
	boolChannel   chan bool
)

// An event indicating a change in a job's state. Remaining carries the
// recipients a partial attempt left unsent, so the application can surface
// "delivered to 3 of 5" style progress; it is only set on attempt outcome
// updates.
type JobUpdate struct {
	JobID          ids.ID
	ConversationID string
	Kind           string
	Status         int
	AttemptCount   int
	Blocked        bool
	Remaining      []RecipientRef
}

// job is one attempt cycle of a logical send operation. Implementations must
// not retry internally; the manager owns rescheduling.
type job interface {
	attempt(ctx context.Context, b *bundle) Outcome
}

type Manager struct {
	config        *config.Config
	db            *database
	messaging     Messaging
	conversations ConversationStore
	messages      MessageStore
	notifier      Notifier
	clock         clock.Clock
	log           *zap.SugaredLogger
	validator     *recipientValidator
	trust         *trustGate
	fanout        *syncFanoutTracker

	updates    UpdateChannel
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
	workerLock sync.Mutex
	workers    map[string]boolChannel
}

func NewManager(c *config.Config, d *internal.Database, messaging Messaging, conversations ConversationStore, messages MessageStore, notifier Notifier, cl clock.Clock) (*Manager, error) {
	log := c.Logger("sendqueue/manager")
	qdb, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("sendqueue: error making manager %w", err)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	m := &Manager{
		config:        c,
		db:            qdb,
		messaging:     messaging,
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		clock:         cl,
		log:           log,
		updates:       make(UpdateChannel, 100),
		ctx:           ctx,
		cancelFunc:    cancelFunc,
		workers:       make(map[string]boolChannel),
	}
	m.validator = newRecipientValidator(c.Logger("sendqueue/recipients"), conversations.SelfRef())
	m.trust = newTrustGate(conversations)
	m.fanout = newSyncFanoutTracker(c.Logger("sendqueue/fanout"))
	return m, nil
}

// Start resumes any jobs persisted by a previous run. Jobs left active by a
// crashed process are demoted back to queued before their conversations are
// pumped.
func (m *Manager) Start() error {
	var conversationIDs []string
	if err := m.db.db.Run("resuming persisted jobs", func() error {
		if err := m.db.demoteActiveJobs(); err != nil {
			return err
		}
		var err error
		conversationIDs, err = m.db.pendingConversations()
		return err
	}); err != nil {
		return err
	}
	for _, conversationID := range conversationIDs {
		m.pumpConversation(conversationID)
	}
	return nil
}

func (m *Manager) Shutdown() error {
	m.cancelFunc()
	m.finished.Wait()
	return nil
}

func (m *Manager) Updates() UpdateChannel {
	return m.updates
}

// RetryConversation clears the blocked mark left by an untrusted-identity
// outcome and pumps the conversation. Called after the user re-verifies the
// identities surfaced through the notifier.
func (m *Manager) RetryConversation(conversationID string) error {
	return m.db.db.Run(fmt.Sprintf("unblocking jobs for %s", conversationID), func() error {
		changed, err := m.db.unblockJobs(conversationID)
		if err != nil {
			return err
		}
		if changed {
			m.db.db.AfterCommit(func() {
				m.pumpConversation(conversationID)
			})
		}
		return nil
	})
}

// Job returns the current state of a job.
func (m *Manager) Job(jobID ids.ID) (*JobUpdate, error) {
	var u *JobUpdate
	if err := m.db.db.Run("getting job", func() error {
		row, err := m.db.job(jobID[:])
		if err != nil {
			return err
		}
		u = updateForRow(row)
		return nil
	}); err != nil {
		return nil, err
	}
	return u, nil
}

func (m *Manager) enqueue(conversationID, kind string, payload interface{}, timeoutAtMs uint64) (ids.ID, error) {
	id := ids.NewID()
	body, err := json.Marshal(payload)
	if err != nil {
		return id, fmt.Errorf("sendqueue: error encoding %s payload %w", kind, err)
	}
	now := m.clock.CurrentTimeMs()
	if timeoutAtMs == 0 {
		timeoutAtMs = now + uint64(m.config.SendTimeoutMs)
	}
	row := &jobRow{
		ID:             id[:],
		ConversationID: conversationID,
		Kind:           kind,
		Payload:        body,
		CreatedAtMs:    now,
		TimeoutAtMs:    timeoutAtMs,
		Status:         JobStatusQueued,
	}
	if err := m.db.db.Run(fmt.Sprintf("enqueuing %s job", kind), func() error {
		if err := m.db.insertJob(row); err != nil {
			return err
		}
		m.db.db.AfterCommit(func() {
			m.pumpConversation(conversationID)
		})
		return nil
	}); err != nil {
		return id, err
	}
	return id, nil
}

func (m *Manager) pumpConversation(conversationID string) {
	m.workerLock.Lock()
	pump, ok := m.workers[conversationID]
	if !ok {
		pump = make(boolChannel, 1)
		m.workers[conversationID] = pump
		m.startWorker(conversationID, pump)
	}
	m.workerLock.Unlock()

	select {
	case pump <- true:
	default:
	}
}

func (m *Manager) startWorker(conversationID string, pump boolChannel) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-pump:
				m.drainConversation(conversationID)
			}
		}
	}()
}

// drainConversation runs jobs for one conversation until the queue is empty,
// the head job is blocked, or the head job is waiting out a backoff delay.
// Only this worker touches the conversation's jobs, which gives single-flight
// execution per conversation.
func (m *Manager) drainConversation(conversationID string) {
	for {
		var row *jobRow
		if err := m.db.db.Run(fmt.Sprintf("loading next job for %s", conversationID), func() error {
			var err error
			row, err = m.db.nextJob(conversationID)
			return err
		}); err != nil {
			m.log.Warnf("error loading next job for %s: %v", conversationID, err)
			return
		}
		if row == nil {
			return
		}
		if row.Blocked {
			m.log.Debugf("job %x for %s is blocked, waiting for manual retry", row.ID, conversationID)
			return
		}
		now := m.clock.CurrentTimeMs()
		if row.NextAttemptAtMs > now {
			m.schedulePump(conversationID, row.NextAttemptAtMs-now)
			return
		}
		if !m.runJob(row) {
			return
		}
	}
}

func (m *Manager) schedulePump(conversationID string, delayMs uint64) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		select {
		case <-m.ctx.Done():
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			m.pumpConversation(conversationID)
		}
	}()
}

// runJob performs one attempt cycle. Returns whether the worker should
// continue with the next job for this conversation.
func (m *Manager) runJob(row *jobRow) bool {
	skip := false
	if err := m.db.db.Run(fmt.Sprintf("starting attempt on job %x", row.ID), func() error {
		fresh, err := m.db.job(row.ID)
		if err != nil {
			return err
		}
		row = fresh
		if row.terminal() || row.Blocked {
			skip = true
			return nil
		}
		row.Status = JobStatusActive
		row.AttemptCount++
		return m.db.updateJob(row)
	}); err != nil {
		m.log.Warnf("error starting attempt on job %x: %v", row.ID, err)
		return false
	}
	if skip {
		return true
	}
	m.emitUpdate(row)

	b := &bundle{m: m, row: row, log: m.log}
	var out Outcome
	j, err := jobForRow(row)
	if err != nil {
		// an undecodable or unknown job can never make progress
		m.log.Errorf("cancelling job %x: %v", row.ID, err)
		out = cancelled(err)
	} else {
		out = j.attempt(m.ctx, b)
	}

	cont := false
	if err := m.db.db.Run(fmt.Sprintf("recording outcome for job %x", row.ID), func() error {
		return m.dispatch(row, out, &cont)
	}); err != nil {
		m.log.Warnf("error recording outcome for job %x: %v", row.ID, err)
		return false
	}
	update := updateForRow(row)
	update.Remaining = out.Remaining
	m.updates <- update
	return cont
}

// dispatch applies an attempt outcome to the job row. It is total over the
// outcome set; no outcome may crash the worker loop.
func (m *Manager) dispatch(row *jobRow, out Outcome, cont *bool) error {
	if out.Err != nil {
		row.LastError = out.Err.Error()
	}
	switch out.Kind {
	case OutcomeSuccess:
		m.log.Debugf("job %x succeeded after %d attempts", row.ID, row.AttemptCount)
		row.Status = JobStatusSucceeded
		row.LastError = ""
		m.fanout.forget(ids.IDFromBytes(row.ID))
		*cont = true
	case OutcomeCancel:
		m.log.Infof("job %x cancelled: %v", row.ID, out.Err)
		row.Status = JobStatusCancelled
		m.fanout.forget(ids.IDFromBytes(row.ID))
		*cont = true
	case OutcomeBlocked:
		m.log.Infof("job %x blocked on %d untrusted identities", row.ID, len(out.Untrusted))
		row.Status = JobStatusQueued
		row.Blocked = true
		conversationID := row.ConversationID
		untrusted := out.Untrusted
		m.db.db.AfterCommit(func() {
			m.notifier.NotifyVerificationRequired(conversationID, untrusted)
		})
		*cont = false
	case OutcomeFailed:
		m.failJob(row, out)
		*cont = true
	case OutcomeRetryable, OutcomePartial:
		if m.finalAttempt(row) {
			m.failJob(row, out)
			*cont = true
			break
		}
		delayMs := m.backoffMs(row.AttemptCount)
		m.log.Debugf("rescheduling job %x in %dms after attempt %d: %v", row.ID, delayMs, row.AttemptCount, out.Err)
		row.Status = JobStatusQueued
		row.NextAttemptAtMs = m.clock.CurrentTimeMs() + delayMs
		conversationID := row.ConversationID
		m.db.db.AfterCommit(func() {
			m.schedulePump(conversationID, delayMs)
		})
		*cont = false
	default:
		m.log.Errorf("cancelling job %x: unknown outcome %d", row.ID, out.Kind)
		row.Status = JobStatusCancelled
		*cont = true
	}
	return m.db.updateJob(row)
}

func (m *Manager) failJob(row *jobRow, out Outcome) {
	m.log.Warnf("job %x failed after %d attempts: %v", row.ID, row.AttemptCount, out.Err)
	row.Status = JobStatusFailed
	m.fanout.forget(ids.IDFromBytes(row.ID))
	if out.MessageID == "" {
		return
	}
	msg, err := m.messages.GetByID(out.MessageID)
	if err != nil || msg == nil {
		m.log.Warnf("could not flag message %s as failed: %v", out.MessageID, err)
		return
	}
	msg.SendFailed = true
	if err := m.messages.Save(msg); err != nil {
		m.log.Warnf("could not save failed flag on message %s: %v", out.MessageID, err)
	}
}

// finalAttempt reports whether the attempt just taken was the job's last,
// either because the attempt budget is spent or the time budget is.
func (m *Manager) finalAttempt(row *jobRow) bool {
	if row.AttemptCount >= m.config.MaxSendAttempts {
		return true
	}
	return m.clock.CurrentTimeMs() >= row.TimeoutAtMs
}

func (m *Manager) backoffMs(attempts int) uint64 {
	d := int64(2<<attempts) * m.config.BackoffBaseMs
	if d > m.config.BackoffMaxMs {
		d = m.config.BackoffMaxMs
	}
	return uint64(d)
}

func (m *Manager) emitUpdate(row *jobRow) {
	m.updates <- updateForRow(row)
}

func updateForRow(row *jobRow) *JobUpdate {
	return &JobUpdate{
		JobID:          ids.IDFromBytes(row.ID),
		ConversationID: row.ConversationID,
		Kind:           row.Kind,
		Status:         row.Status,
		AttemptCount:   row.AttemptCount,
		Blocked:        row.Blocked,
	}
}

func jobForRow(row *jobRow) (job, error) {
	switch row.Kind {
	case KindCallingMessage:
		j := &callingMessageJob{}
		if err := json.Unmarshal(row.Payload, &j.payload); err != nil {
			return nil, fmt.Errorf("sendqueue: error decoding calling message payload %w", err)
		}
		return j, nil
	case KindDeleteStoryForEveryone:
		j := &deleteStoryJob{}
		if err := json.Unmarshal(row.Payload, &j.payload); err != nil {
			return nil, fmt.Errorf("sendqueue: error decoding delete story payload %w", err)
		}
		return j, nil
	case KindSenderKeyDistribution:
		j := &senderKeyJob{}
		if err := json.Unmarshal(row.Payload, &j.payload); err != nil {
			return nil, fmt.Errorf("sendqueue: error decoding sender key payload %w", err)
		}
		return j, nil
	case KindReceipt:
		j := &receiptJob{}
		if err := json.Unmarshal(row.Payload, &j.payload); err != nil {
			return nil, fmt.Errorf("sendqueue: error decoding receipt payload %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("sendqueue: unknown job kind %s", row.Kind)
	}
}
