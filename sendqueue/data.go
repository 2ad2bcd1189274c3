package sendqueue

import (
	"database/sql"
	"errors"

	internal "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
)

const (
	// job statuses
	JobStatusQueued    = 0
	JobStatusActive    = 1
	JobStatusSucceeded = 2
	JobStatusCancelled = 3
	JobStatusFailed    = 4

	// job kinds
	KindCallingMessage         = "calling_message"
	KindDeleteStoryForEveryone = "delete_story_for_everyone"
	KindSenderKeyDistribution  = "sender_key_distribution"
	KindReceipt                = "receipt"

	// receipt types
	ReceiptDelivery = "delivery"
	ReceiptRead     = "read"
	ReceiptViewed   = "viewed"
)

type jobRow struct {
	Seq             int64  `db:"seq"`
	ID              []byte `db:"id"`
	ConversationID  string `db:"conversation_id"`
	Kind            string `db:"kind"`
	Payload         []byte `db:"payload"`
	CreatedAtMs     uint64 `db:"created_at_ms"`
	TimeoutAtMs     uint64 `db:"timeout_at_ms"`
	AttemptCount    int    `db:"attempt_count"`
	Status          int    `db:"status"`
	Blocked         bool   `db:"blocked"`
	SyncSent        bool   `db:"sync_sent"`
	NextAttemptAtMs uint64 `db:"next_attempt_at_ms"`
	LastError       string `db:"last_error"`
}

func (j *jobRow) terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusCancelled || j.Status == JobStatusFailed
}

type database struct {
	db *internal.Database
}

func newDatabase(d *internal.Database) (*database, error) {
	if err := d.Migrate("sendqueue", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id BLOB NOT NULL UNIQUE,
	conversation_id STRING NOT NULL,
	kind STRING NOT NULL,
	payload BLOB NOT NULL,
	created_at_ms INT8 NOT NULL,
	timeout_at_ms INT8 NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	sync_sent BOOLEAN NOT NULL DEFAULT FALSE,
	next_attempt_at_ms INT8 NOT NULL DEFAULT 0,
	last_error STRING NOT NULL DEFAULT ''
);
CREATE INDEX jobs_conversation_status ON jobs (conversation_id, status, seq);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &database{db: d}, nil
}

func (d *database) insertJob(j *jobRow) error {
	res, err := d.db.Tx.Exec(`INSERT INTO jobs
	(id, conversation_id, kind, payload, created_at_ms, timeout_at_ms, attempt_count, status, blocked, sync_sent, next_attempt_at_ms, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ConversationID, j.Kind, j.Payload, j.CreatedAtMs, j.TimeoutAtMs, j.AttemptCount, j.Status, j.Blocked, j.SyncSent, j.NextAttemptAtMs, j.LastError)
	if err != nil {
		return err
	}
	j.Seq, err = res.LastInsertId()
	return err
}

func (d *database) updateJob(j *jobRow) error {
	_, err := d.db.Tx.Exec(`UPDATE jobs SET
	payload = ?, attempt_count = ?, status = ?, blocked = ?, sync_sent = ?, next_attempt_at_ms = ?, last_error = ?
	WHERE id = ?`,
		j.Payload, j.AttemptCount, j.Status, j.Blocked, j.SyncSent, j.NextAttemptAtMs, j.LastError, j.ID)
	return err
}

func (d *database) job(id []byte) (*jobRow, error) {
	var j jobRow
	if err := d.db.Tx.Get(&j, "SELECT * FROM jobs WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &j, nil
}

// nextJob returns the oldest non-terminal job for a conversation, or nil.
// Submission order is the send order, even across retries.
func (d *database) nextJob(conversationID string) (*jobRow, error) {
	var j jobRow
	err := d.db.Tx.Get(&j, "SELECT * FROM jobs WHERE conversation_id = ? AND status IN (?, ?) ORDER BY seq LIMIT 1", conversationID, JobStatusQueued, JobStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (d *database) pendingConversations() ([]string, error) {
	var conversationIDs []string
	if err := d.db.Tx.Select(&conversationIDs, "SELECT DISTINCT conversation_id FROM jobs WHERE status IN (?, ?) ORDER BY seq", JobStatusQueued, JobStatusActive); err != nil {
		return nil, err
	}
	return conversationIDs, nil
}

// demoteActiveJobs re-queues jobs left active by a previous process.
func (d *database) demoteActiveJobs() error {
	_, err := d.db.Tx.Exec("UPDATE jobs SET status = ? WHERE status = ?", JobStatusQueued, JobStatusActive)
	return err
}

func (d *database) unblockJobs(conversationID string) (bool, error) {
	res, err := d.db.Tx.Exec("UPDATE jobs SET blocked = FALSE WHERE conversation_id = ? AND blocked = TRUE AND status = ?", conversationID, JobStatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *database) pendingJobCount(conversationID string) (uint, error) {
	var count uint
	if err := d.db.Tx.Get(&count, "SELECT count(*) FROM jobs WHERE conversation_id = ? AND status IN (?, ?)", conversationID, JobStatusQueued, JobStatusActive); err != nil {
		return 0, err
	}
	return count, nil
}
