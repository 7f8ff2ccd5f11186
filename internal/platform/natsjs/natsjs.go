// Package natsjs runs the broker contract on NATS JetStream.
//
// A topic maps to the subject space "<topic>.*" inside one stream; the
// message key is base64url-encoded into the last token and also carried in
// the Gamehub-Key header. JetStream has no partitions, so every message is
// reported on partition 0 with the stream sequence as its offset.
package natsjs

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KeyHeader carries the raw message key.
const KeyHeader = "Gamehub-Key"

// Config is the connection and stream configuration.
type Config struct {
	URL    string
	Stream string
	// Topics are the topics the stream captures, e.g. "user-updates" and
	// "user-updates.dlq".
	Topics []string
	MaxAge time.Duration
}

// Conn bundles a NATS connection and its JetStream context.
type Conn struct {
	NC *nats.Conn
	JS jetstream.JetStream
}

// Connect dials NATS with unlimited reconnects and returns a JetStream
// context. The caller owns Close.
func Connect(url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("gamehub-usersync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}
	return &Conn{NC: nc, JS: js}, nil
}

// Close drains pending publishes and closes the connection.
func (c *Conn) Close() {
	if err := c.NC.Drain(); err != nil {
		c.NC.Close()
	}
}

// EnsureStream creates or updates the stream so it captures every topic.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config) error {
	if cfg.Stream == "" || len(cfg.Topics) == 0 {
		return fmt.Errorf("natsjs: stream name and topics are required")
	}
	subjects := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		subjects = append(subjects, FilterSubject(t))
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Subject returns the subject a keyed message of topic is published on.
func Subject(topic string, key []byte) string {
	if len(key) == 0 {
		return topic + "._"
	}
	return topic + "." + base64.RawURLEncoding.EncodeToString(key)
}

// FilterSubject matches every message of topic and nothing of topics
// nested below it.
func FilterSubject(topic string) string { return topic + ".*" }

// topicOf strips the key token from a subject.
func topicOf(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i > 0 {
		return subject[:i]
	}
	return subject
}

// keyOf recovers the key from the header, falling back to the subject.
func keyOf(msg jetstream.Msg) []byte {
	if h := msg.Headers(); h != nil {
		if v := h.Get(KeyHeader); v != "" {
			return []byte(v)
		}
	}
	subject := msg.Subject()
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || subject[i+1:] == "_" {
		return nil
	}
	key, err := base64.RawURLEncoding.DecodeString(subject[i+1:])
	if err != nil {
		return nil
	}
	return key
}
