package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis keeps each session as a hash of timestamps plus a list of words, and
// tracks session ids in a set:
//
//	<prefix>:sessions              SET  of session ids
//	<prefix>:session:<id>          HASH created_at, updated_at (unix nanos)
//	<prefix>:session:<id>:words    LIST of JSON-encoded words
type Redis struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
	clock  func() time.Time
}

// OpenRedis connects using cfg and fails if the server does not answer a ping.
func OpenRedis(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return NewRedis(client, cfg.RedisPrefix, log), nil
}

func NewRedis(client *redis.Client, prefix string, log *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "loqa:capture"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		log:    log.With(slog.String("component", "sessionstore")),
		clock:  time.Now,
	}
}

func (r *Redis) indexKey() string { return r.prefix + ":sessions" }
func (r *Redis) sessionKey(id string) string { return r.prefix + ":session:" + id }
func (r *Redis) wordsKey(id string) string { return r.prefix + ":session:" + id + ":words" }

func (r *Redis) CreateOrAppendWord(ctx context.Context, sessionID, word string) (AppendResult, error) {
	if err := validateInput(sessionID, word); err != nil {
		return AppendResult{}, err
	}
	now := r.clock().UTC()
	entry, err := json.Marshal(Word{Text: word, Timestamp: now})
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal word: %w", err)
	}
	stamp := strconv.FormatInt(now.UnixNano(), 10)

	var created *redis.BoolCmd
	var count *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.HSetNX(ctx, r.sessionKey(sessionID), "created_at", stamp)
		pipe.HSet(ctx, r.sessionKey(sessionID), "updated_at", stamp)
		count = pipe.RPush(ctx, r.wordsKey(sessionID), entry)
		pipe.SAdd(ctx, r.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append word: %w", err)
	}
	return AppendResult{IsNewSession: created.Val(), WordCount: int(count.Val())}, nil
}

func (r *Redis) GetSession(ctx context.Context, sessionID string) (Session, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return Session{}, err
	}
	if len(fields) == 0 {
		return Session{}, ErrNotFound
	}
	raw, err := r.client.LRange(ctx, r.wordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:        sessionID,
		CreatedAt: parseNanos(fields["created_at"]),
		UpdatedAt: parseNanos(fields["updated_at"]),
	}
	for _, item := range raw {
		var w Word
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			r.log.Warn("skipping malformed word entry", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			continue
		}
		sess.Words = append(sess.Words, w)
	}
	return sess, nil
}

func (r *Redis) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) DeleteSession(ctx context.Context, sessionID string) error {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.indexKey(), sessionID)
		pipe.Del(ctx, r.sessionKey(sessionID), r.wordsKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether the backing server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseNanos(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
