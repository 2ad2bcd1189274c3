// This package provides a high-level interface to the courier send queue.
// It wires together the encrypted database and the per-conversation job
// queue, and surfaces job updates to the embedding application. The actual
// network sends, conversation state and message storage are supplied by the
// application through Dependencies.
package courier

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/sendqueue"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

// An event indicating a change in the state of the courier.
type AppState struct {
	State int
}

// Dependencies bundles the collaborators the queue drives. All of them are
// required.
type Dependencies struct {
	Messaging     sendqueue.Messaging
	Conversations sendqueue.ConversationStore
	Messages      sendqueue.MessageStore
	Notifier      sendqueue.Notifier
}

type Courier struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	deps       Dependencies
	queue      *sendqueue.Manager
	state      int
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance rooted at the config's RootDir.
func NewCourier(c *config.Config, deps Dependencies) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:      database,
		config:  c,
		log:     log,
		clock:   clock.NewSystemClock(),
		deps:    deps,
		state:   state,
		updates: make(chan interface{}, 100),
	}, nil
}

func (c *Courier) State() int {
	return c.state
}

func (c *Courier) Updates() chan interface{} {
	return c.updates
}

// Initialize creates the database with the given 32-byte key.
func (c *Courier) Initialize(key []byte) error {
	if c.state != StateNew {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateNew, c.state)
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	c.updates <- &AppState{c.state}
	return nil
}

// Open unlocks the database and builds the send queue.
func (c *Courier) Open(key []byte) error {
	if c.state != StateInitialized {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateInitialized, c.state)
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}
	queue, err := sendqueue.NewManager(c.config, c.DB, c.deps.Messaging, c.deps.Conversations, c.deps.Messages, c.deps.Notifier, c.clock)
	if err != nil {
		return err
	}
	c.queue = queue
	return nil
}

// Start resumes persisted jobs and begins forwarding job updates.
func (c *Courier) Start() error {
	if c.queue == nil {
		return fmt.Errorf("courier: not open")
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-c.queue.Updates():
				c.updates <- u
			}
		}
	}()

	if err := c.queue.Start(); err != nil {
		cancelFunc()
		return err
	}
	c.state = StateRunning
	c.updates <- &AppState{c.state}
	return nil
}

func (c *Courier) Shutdown() error {
	if c.queue != nil {
		if err := c.queue.Shutdown(); err != nil {
			return err
		}
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.finished.Wait()
	}
	if err := c.DB.Shutdown(); err != nil {
		return err
	}
	c.state = StateClosed
	return nil
}

// Enqueue helpers, one per job kind.

func (c *Courier) EnqueueCallingMessage(conversationID string, payload sendqueue.CallingMessagePayload) (ids.ID, error) {
	return c.queue.EnqueueCallingMessage(conversationID, payload)
}

func (c *Courier) EnqueueDeleteStoryForEveryone(conversationID string, payload sendqueue.DeleteStoryPayload) (ids.ID, error) {
	return c.queue.EnqueueDeleteStoryForEveryone(conversationID, payload)
}

func (c *Courier) EnqueueSenderKeyDistribution(conversationID string, payload sendqueue.SenderKeyPayload) (ids.ID, error) {
	return c.queue.EnqueueSenderKeyDistribution(conversationID, payload)
}

func (c *Courier) EnqueueReceipts(conversationID string, payload sendqueue.ReceiptPayload) (ids.ID, error) {
	return c.queue.EnqueueReceipts(conversationID, payload)
}

// RetryConversation unblocks jobs held by an untrusted-identity check after
// the user has re-verified.
func (c *Courier) RetryConversation(conversationID string) error {
	return c.queue.RetryConversation(conversationID)
}

// Job returns the current state of a job.
func (c *Courier) Job(jobID ids.ID) (*sendqueue.JobUpdate, error) {
	return c.queue.Job(jobID)
}
