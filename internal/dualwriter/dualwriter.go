// Package dualwriter is the Dual Writer: a synchronous cache append
// paired with an asynchronous, best-effort database flush, so a
// finished agent turn is visible to the next Context Loader read
// immediately while the durable write happens off the request path.
//
// Grounded on original_source's runtime/dual_writer.py: the same
// write_redis-then-queue-write_mysql split, the same single
// background writer goroutine draining an intake queue (there, an
// unbounded asyncio.Queue; here, a buffered Go channel of queueSize
// entries, with a bounded retry on failure in place of the original's
// log-and-drop).
package dualwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/google/uuid"
)

// queueSize bounds the background writer's intake; the original's
// asyncio.Queue is unbounded, but an unbounded Go channel can't be
// expressed without a custom buffer, so this is sized generously
// above any plausible burst of concurrent run completions.
const queueSize = 4096

// maxRetries bounds how many times the background writer retries a
// failed database write before giving up and logging the loss.
const maxRetries = 3

// AgentMessage is one finished agent turn ready to be persisted.
type AgentMessage struct {
	MessageID string
	SessionID string
	UserID    string
	Content   string
	Metadata  map[string]any
}

// Writer is the Dual Writer.
type Writer struct {
	loader *chatcontext.Loader
	store  *dbstore.Store

	queue  chan queued
	wg     sync.WaitGroup
	stopCh chan struct{}
}

type queued struct {
	msg dbstore.Message
}

// New creates a Dual Writer and starts its background database
// writer goroutine. Close stops it.
func New(loader *chatcontext.Loader, store *dbstore.Store) *Writer {
	w := &Writer{
		loader: loader,
		store:  store,
		queue:  make(chan queued, queueSize),
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundWriter()
	return w
}

// WriteAgentMessage writes a finished agent turn: the cache append
// always happens synchronously (the spec's "the cache append ...
// happens before the function returns"); the database write is queued
// for the background goroutine, unless waitDB is set, in which case
// the caller blocks until that specific write completes or fails.
//
// Matches original_source's write_agent_message(message, nickname,
// wait_db=False) contract, generalized so a caller that needs the
// persisted row to exist before replying (the orchestrator's
// Finalize step, per "Dual Writer.write_agent_message(..., wait_db=
// true)") can opt into synchronous durability.
func (w *Writer) WriteAgentMessage(ctx context.Context, msg AgentMessage, nickname string, waitDB bool) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	var metadataJSON string
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("dualwriter: marshal metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	ctxMsg := dbstore.Message{
		MessageID:   msg.MessageID,
		SessionID:   msg.SessionID,
		UserID:      msg.UserID,
		Nickname:    nickname,
		MessageType: dbstore.TypeText,
		Content:     msg.Content,
		Metadata:    metadataJSON,
		CreateTime:  time.Now().UTC(),
		IsAgent:     true,
	}
	if err := w.loader.AddMessage(ctx, msg.SessionID, ctxMsg); err != nil {
		return fmt.Errorf("dualwriter: cache append: %w", err)
	}

	if waitDB {
		return w.writeToDatabase(&ctxMsg)
	}

	select {
	case w.queue <- queued{msg: ctxMsg}:
	default:
		logger.Error("dualwriter: intake queue full, writing %s synchronously", msg.MessageID)
		return w.writeToDatabase(&ctxMsg)
	}
	return nil
}

// backgroundWriter drains the intake queue and flushes each message to
// the database, retrying transient failures a bounded number of times
// before giving up on that message (the original logs and moves on;
// unlike the original's unbounded asyncio.Queue, this also exits
// cleanly on Close).
func (w *Writer) backgroundWriter() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case q := <-w.queue:
			m := q.msg
			if err := w.writeToDatabase(&m); err != nil {
				logger.Error("dualwriter: giving up on message %s after %d attempts: %v", m.MessageID, maxRetries, err)
			}
		}
	}
}

func (w *Writer) writeToDatabase(m *dbstore.Message) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = w.store.UpsertMessage(m); err == nil {
			return nil
		}
		logger.Error("dualwriter: database write attempt %d for %s failed: %v", attempt+1, m.MessageID, err)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return fmt.Errorf("dualwriter: persist message %s: %w", m.MessageID, err)
}

// Close stops the background writer goroutine, letting any in-flight
// write finish but discarding whatever remains queued.
func (w *Writer) Close() {
	close(w.stopCh)
	w.wg.Wait()
}
