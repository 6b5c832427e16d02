package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishJSONRoundTrip(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	defer srv.Shutdown()

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	got := make(chan *nats.Msg, 1)
	if _, err := client.Subscribe("test.subject", func(m *nats.Msg) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := client.PublishJSON("test.subject", map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		var payload map[string]string
		if err := json.Unmarshal(m.Data, &payload); err != nil || payload["text"] != "hello" {
			t.Fatalf("unexpected payload %s err=%v", m.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}

	if err := client.PublishJSON("test.subject", func() {}); err == nil {
		t.Fatalf("expected marshal error for unsupported payload")
	}
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	if c.Healthy() {
		t.Fatalf("nil client reported healthy")
	}
	c.Close()
}
