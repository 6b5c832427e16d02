package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/sessionstore"
)

// Policy decides how recognized text is written to the session store.
type Policy string

const (
	// PolicyWords stores one entry per whitespace-delimited token.
	PolicyWords Policy = "words"
	// PolicyPhrase stores the whole normalized text as a single entry.
	PolicyPhrase Policy = "phrase"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyWords:
		return PolicyWords, nil
	case PolicyPhrase:
		return PolicyPhrase, nil
	default:
		return "", fmt.Errorf("unknown word policy %q", s)
	}
}

// WordAppender is the part of the session store the publisher writes to.
type WordAppender interface {
	CreateOrAppendWord(ctx context.Context, sessionID, word string) (sessionstore.AppendResult, error)
}

// JSONPublisher fans transcripts out to other services.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// Publisher turns recognized text into store entries.
type Publisher struct {
	store  WordAppender
	policy Policy
	bus    JSONPublisher
	log    *slog.Logger
}

// NewPublisher builds a publisher. bus may be nil.
func NewPublisher(store WordAppender, policy Policy, bus JSONPublisher, logger *slog.Logger) *Publisher {
	if policy == "" {
		policy = PolicyWords
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:  store,
		policy: policy,
		bus:    bus,
		log:    logger.With(slog.String("component", "word-publisher")),
	}
}

// Tokens lower-cases text and splits it according to the policy.
func (p *Publisher) Tokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil
	}
	if p.policy == PolicyPhrase {
		return []string{strings.Join(fields, " ")}
	}
	return fields
}

// Publish writes the tokens of text for sessionID and returns how many writes
// succeeded. A failed write is logged and the remaining tokens are still written.
func (p *Publisher) Publish(ctx context.Context, sessionID, text string) int {
	written := 0
	for _, token := range p.Tokens(text) {
		res, err := p.store.CreateOrAppendWord(ctx, sessionID, token)
		if err != nil {
			p.log.Warn("failed to publish word",
				slog.String("session_id", sessionID),
				slog.String("word", token),
				slogError(err))
			continue
		}
		written++
		if res.IsNewSession {
			p.log.Info("session created in store", slog.String("session_id", sessionID))
		}
	}
	return written
}

// Announce publishes a transcript on the bus when one is configured.
func (p *Publisher) Announce(t protocol.Transcript) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishJSON(protocol.SubjectTranscriptFinal, t); err != nil {
		p.log.Warn("failed to publish transcript", slog.String("session_id", t.SessionID), slogError(err))
	}
}
