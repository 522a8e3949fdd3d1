package adapter

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/store"
)

const (
	memoryTable        = "context_memory"
	memoryCacheTTL     = 10 * time.Minute
	memoryCacheCleanup = 30 * time.Minute
	defaultRecallLimit = 20
)

// MemoryEntry is one persisted prompt/result/feedback record.
type MemoryEntry struct {
	ID           string  `json:"id,omitempty"`
	UserID       string  `json:"user_id"`
	SessionID    string  `json:"session_id,omitempty"`
	Prompt       string  `json:"prompt"`
	ImageURL     string  `json:"image_url,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	Feedback     string  `json:"feedback,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// ContextMemory persists generation history through the database connector
// with a per-user hot cache in front of recall.
type ContextMemory struct {
	db    *connector.Database
	cache *gocache.Cache
	bus   *bus.Bus
	log   zerolog.Logger
}

// NewContextMemory creates the adapter.
func NewContextMemory(b *bus.Bus, db *connector.Database) *ContextMemory {
	return &ContextMemory{
		db:    db,
		cache: gocache.New(memoryCacheTTL, memoryCacheCleanup),
		bus:   b,
		log:   logging.WithComponent("memory"),
	}
}

// ModuleName implements registry.Module.
func (m *ContextMemory) ModuleName() string { return "context memory" }

// Save persists one memory entry and announces memory_saved.
func (m *ContextMemory) Save(ctx context.Context, entry MemoryEntry) connector.Result {
	start := time.Now()

	if entry.CreatedAt == "" {
		entry.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	res := m.db.Insert(ctx, memoryTable, store.Row{
		"user_id":       entry.UserID,
		"session_id":    entry.SessionID,
		"prompt":        entry.Prompt,
		"image_url":     entry.ImageURL,
		"quality_score": entry.QualityScore,
		"feedback":      entry.Feedback,
		"created_at":    entry.CreatedAt,
	})
	if !res.Success {
		return connector.Fail(fmt.Errorf("save memory: %s", res.Error), start)
	}

	// Stored rows changed; drop the user's cached recall window.
	m.cache.Delete(recallKey(entry.UserID))

	if m.bus != nil {
		_ = m.bus.Publish(ctx, bus.EventMemorySaved, entry,
			bus.PublishOptions{UserID: entry.UserID, SessionID: entry.SessionID})
	}
	return connector.Succeed(entry, start)
}

// Recall returns up to limit most-recent entries for a user, serving from
// the hot cache when possible.
func (m *ContextMemory) Recall(ctx context.Context, userID string, limit int) connector.Result {
	start := time.Now()
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	if cached, ok := m.cache.Get(recallKey(userID)); ok {
		if rows, ok := cached.([]store.Row); ok {
			return connector.Succeed(trimRows(rows, limit), start)
		}
	}

	res := m.db.Select(ctx, memoryTable, store.Filter{"user_id": userID})
	if !res.Success {
		return connector.Fail(fmt.Errorf("recall memory: %s", res.Error), start)
	}
	rows, _ := res.Data.([]store.Row)
	m.cache.Set(recallKey(userID), rows, gocache.DefaultExpiration)

	return connector.Succeed(trimRows(rows, limit), start)
}

// SaveFeedback records user feedback against the latest entry for the
// session and announces feedback_received.
func (m *ContextMemory) SaveFeedback(ctx context.Context, userID, sessionID, feedback string) connector.Result {
	start := time.Now()

	res := m.db.Update(ctx, memoryTable,
		store.Filter{"user_id": userID, "session_id": sessionID},
		store.Row{"feedback": feedback})
	if !res.Success {
		return connector.Fail(fmt.Errorf("save feedback: %s", res.Error), start)
	}

	m.cache.Delete(recallKey(userID))

	if m.bus != nil {
		_ = m.bus.Publish(ctx, bus.EventFeedbackReceived,
			map[string]any{"feedback": feedback},
			bus.PublishOptions{UserID: userID, SessionID: sessionID})
	}
	return connector.Succeed(res.Data, start)
}

func recallKey(userID string) string { return "recall:" + userID }

func trimRows(rows []store.Row, limit int) []store.Row {
	if len(rows) <= limit {
		return rows
	}
	return rows[len(rows)-limit:]
}
