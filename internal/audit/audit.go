// Package audit mirrors lifecycle events to an append-only JSONL file under
// the data directory. The mirror is best-effort: the SQLite history table is
// the source of truth, this file exists for grep and external shipping.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	EntityID  string `json:"entity_id,omitempty"`
	Category  string `json:"category,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Mirror appends lifecycle events to logs/audit.jsonl.
type Mirror struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

// Open creates the mirror file under homeDir/logs, appending to an existing
// one.
func Open(homeDir string, logger *slog.Logger) (*Mirror, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Mirror{file: f, logger: logger, now: time.Now}, nil
}

// Close flushes and closes the mirror file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Mirror) write(e entry) {
	// Secrets never reach the audit file.
	e.Actor = shared.Redact(e.Actor)
	e.Detail = shared.Redact(e.Detail)
	e.Timestamp = m.now().UTC().Format(time.RFC3339Nano)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := m.file.Write(append(b, '\n')); err != nil {
		m.logger.Warn("audit mirror write failed", "error", err.Error())
	}
}

// Run consumes bus events until ctx is done. Intended to run in its own
// goroutine; the caller owns the subscription lifetime.
func (m *Mirror) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ev)
		}
	}
}

func (m *Mirror) record(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.EntityTransitionedEvent:
		m.write(entry{
			Kind:     ev.Topic,
			EntityID: p.EntityID,
			Category: p.Category,
			From:     p.FromStatus,
			To:       p.ToStatus,
			Actor:    p.Actor,
		})
	case bus.EntityDeletedEvent:
		m.write(entry{Kind: ev.Topic, EntityID: p.EntityID, Actor: p.Actor})
	case bus.LockEvent:
		e := entry{Kind: ev.Topic, EntityID: p.EntityID, Actor: p.Actor}
		if p.PreviousOwner != "" {
			e.Detail = "reclaimed from " + p.PreviousOwner
		}
		m.write(e)
	case bus.CooldownEvent:
		m.write(entry{
			Kind:     ev.Topic,
			EntityID: p.EntityID,
			Detail:   "until " + p.Until.UTC().Format(time.RFC3339),
		})
	case bus.CostRecordedEvent:
		m.write(entry{
			Kind:     ev.Topic,
			EntityID: p.RunID,
			Detail:   p.ProviderID + "/" + p.ModelID + " $" + p.CostUSD,
		})
	}
}
