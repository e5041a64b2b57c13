// Package approval delivers human approval decisions to paused
// workflows. Decisions arrive as JSON files named <workflow_id>.json
// in a watched directory, so any tool that can write a file can act as
// the approval surface.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atelier-ai/atelier/pkg/models"
)

// Decision is one human verdict on an escalated workflow.
type Decision struct {
	// Approved is true when the human cleared the workflow to continue.
	Approved bool `json:"approved"`
	// Approver identifies who decided.
	Approver string `json:"approver"`
	// Comment is optional free-form context.
	Comment string `json:"comment,omitempty"`
	// DecidedAt is stamped when the decision file is parsed.
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Auditor records decisions in the audit trail.
type Auditor interface {
	AppendAudit(workflowID, eventType, actor, details string) error
}

// Handler is invoked for every parsed decision.
type Handler func(workflowID string, decision Decision)

// Watcher tails a decisions directory. Each decision file is processed
// once; rewriting a file does not re-deliver it.
type Watcher struct {
	dir     string
	fs      *fsnotify.Watcher
	auditor Auditor
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	processed map[string]bool
	waiters   map[string][]chan Decision
}

// NewWatcher builds a watcher over dir, creating it if needed. auditor
// and handler may be nil.
func NewWatcher(dir string, auditor Auditor, handler Handler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create decisions directory: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch decisions directory: %w", err)
	}

	return &Watcher{
		dir:       dir,
		fs:        fs,
		auditor:   auditor,
		handler:   handler,
		logger:    logger,
		processed: make(map[string]bool),
		waiters:   make(map[string][]chan Decision),
	}, nil
}

// Start processes decision files until the context is cancelled. Files
// already present in the directory are delivered first, so a decision
// written before the watcher came up is not lost.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.scanExisting(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.process(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("decision watcher error", "error", err)
		}
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Await blocks until a decision arrives for the workflow or the
// timeout elapses. Call before or after the decision file lands; an
// already-processed decision is re-read from disk.
func (w *Watcher) Await(ctx context.Context, workflowID string, timeout time.Duration) (*Decision, error) {
	path := filepath.Join(w.dir, workflowID+".json")

	w.mu.Lock()
	if w.processed[path] {
		w.mu.Unlock()
		return ReadDecision(path)
	}
	ch := make(chan Decision, 1)
	w.waiters[workflowID] = append(w.waiters[workflowID], ch)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no decision for workflow %s within %s", workflowID, timeout)
	case d := <-ch:
		return &d, nil
	}
}

// scanExisting delivers decision files that predate the watcher.
func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan decisions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.process(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

// process parses one decision file and fans it out. Unparseable files
// are logged and skipped so a half-written file never wedges the
// watcher; the next write event retries it.
func (w *Watcher) process(path string) {
	if filepath.Ext(path) != ".json" {
		return
	}

	w.mu.Lock()
	if w.processed[path] {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	decision, err := ReadDecision(path)
	if err != nil {
		w.logger.Warn("skipping unreadable decision file", "path", path, "error", err)
		return
	}

	workflowID := strings.TrimSuffix(filepath.Base(path), ".json")

	w.mu.Lock()
	w.processed[path] = true
	waiters := w.waiters[workflowID]
	delete(w.waiters, workflowID)
	w.mu.Unlock()

	if w.auditor != nil {
		details, _ := json.Marshal(decision)
		if err := w.auditor.AppendAudit(workflowID, models.AuditHumanDecision,
			decision.Approver, string(details)); err != nil {
			w.logger.Warn("decision audit append failed",
				"workflow_id", workflowID, "error", err)
		}
	}

	w.logger.Info("human decision received",
		"workflow_id", workflowID,
		"approved", decision.Approved,
		"approver", decision.Approver)

	for _, ch := range waiters {
		ch <- *decision
	}
	if w.handler != nil {
		w.handler(workflowID, *decision)
	}
}

// ReadDecision parses a decision file.
func ReadDecision(path string) (*Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decision: %w", err)
	}

	decision := &Decision{}
	if err := json.Unmarshal(data, decision); err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}
	if decision.Approver == "" {
		return nil, fmt.Errorf("decision missing approver")
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}
	return decision, nil
}

// WriteDecision writes a decision file for a workflow, the same format
// the watcher consumes.
func WriteDecision(dir, workflowID string, decision Decision) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create decisions directory: %w", err)
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize decision: %w", err)
	}

	path := filepath.Join(dir, workflowID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write decision: %w", err)
	}
	return path, nil
}
