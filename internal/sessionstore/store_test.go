package sessionstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/redis/go-redis/v9"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openSQLite(t *testing.T, cfg config.StoreConfig) *SQLite {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	s, err := OpenSQLite(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	res, err := store.CreateOrAppendWord(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.IsNewSession || res.WordCount != 1 {
		t.Fatalf("unexpected first append result: %+v", res)
	}
	res, err = store.CreateOrAppendWord(ctx, "s1", "world")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.IsNewSession || res.WordCount != 2 {
		t.Fatalf("unexpected second append result: %+v", res)
	}
	if _, err := store.CreateOrAppendWord(ctx, "s2", "testing"); err != nil {
		t.Fatalf("append: %v", err)
	}

	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.Words) != 2 || sess.Words[0].Text != "hello" || sess.Words[1].Text != "world" {
		t.Fatalf("unexpected words: %+v", sess.Words)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.Before(sess.CreatedAt) {
		t.Fatalf("unexpected timestamps: created=%s updated=%s", sess.CreatedAt, sess.UpdatedAt)
	}

	ids, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
		t.Fatalf("unexpected session ids: %v", ids)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.CreateOrAppendWord(ctx, "", "x"); err == nil {
		t.Fatalf("expected error for empty session id")
	}
	if _, err := store.CreateOrAppendWord(ctx, "s3", " "); err == nil {
		t.Fatalf("expected error for empty word")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t, config.StoreConfig{}))
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateOrAppendWord(context.Background(), "shared", "word"); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()
	sess, err := store.GetSession(context.Background(), "shared")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sess.Words) != 50 {
		t.Fatalf("expected 50 words, got %d", len(sess.Words))
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	first, err := OpenSQLite(context.Background(), config.StoreConfig{Path: path}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.CreateOrAppendWord(context.Background(), "durable", "audio"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = first.Close()

	second := openSQLite(t, config.StoreConfig{Path: path})
	sess, err := second.GetSession(context.Background(), "durable")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if len(sess.Words) != 1 || sess.Words[0].Text != "audio" {
		t.Fatalf("unexpected words: %+v", sess.Words)
	}
}

func TestSQLitePruneByDaysAndSessions(t *testing.T) {
	s := openSQLite(t, config.StoreConfig{RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := s.CreateOrAppendWord(ctx, "old-session", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if _, err := s.CreateOrAppendWord(ctx, "new-session", "world"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.CreateOrAppendWord(ctx, "newer-session", "speech"); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	if _, err := s.CreateOrAppendWord(ctx, "newest-session", "audio"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	ids, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "newest-session" {
		t.Fatalf("expected only newest-session to survive, got %v", ids)
	}
	var orphans int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM words WHERE session_id != 'newest-session'`).Scan(&orphans); err != nil {
		t.Fatalf("count words: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected words of pruned sessions to cascade, found %d", orphans)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	store, err := Open(context.Background(), config.StoreConfig{Driver: "memory"}, newLogger())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = Open(context.Background(), config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")}, newLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLite); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}

	if _, err := Open(context.Background(), config.StoreConfig{Driver: "etcd"}, newLogger()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LOQA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOQA_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "loqa:test:" + time.Now().Format("150405.000000000")
	store := NewRedis(client, prefix, newLogger())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	if err := store.Ping(context.Background()); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	exerciseStore(t, store)
}
