// Package sessionstore persists the words recognized for each capture session.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
)

// ErrNotFound is returned when a session id has no stored words.
var ErrNotFound = errors.New("session not found")

// Word is one recognized entry in a session.
type Word struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds the recognized words of one capture session in append order.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Words     []Word    `json:"words"`
}

// AppendResult reports the effect of CreateOrAppendWord.
type AppendResult struct {
	IsNewSession bool `json:"isNewSession"`
	WordCount    int  `json:"wordCount"`
}

// Store is the session word store shared by the capture pipeline and the
// session HTTP API.
type Store interface {
	CreateOrAppendWord(ctx context.Context, sessionID, word string) (AppendResult, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// Open selects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg, log)
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func validateInput(sessionID, word string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(word) == "" {
		return errors.New("word is required")
	}
	return nil
}
