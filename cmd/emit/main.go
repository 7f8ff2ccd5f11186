// Command emit publishes one user change event, or replays the payload of a
// dead-letter envelope, onto the configured broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gamehub/internal/platform/kafka"
	"gamehub/internal/platform/kafka/producer"
	"gamehub/internal/platform/logger"
	"gamehub/internal/platform/natsjs"
	"gamehub/internal/usersync/broker"
)

func main() {
	var (
		opts    options
		kind    string
		brokers string
		natsURL string
		timeout time.Duration
	)
	flag.StringVar(&kind, "broker", envOr("GAMEHUB_BROKER", "kafka"), "broker kind (kafka, nats)")
	flag.StringVar(&brokers, "brokers", envOr("GAMEHUB_KAFKA_BROKERS", "localhost:9092"), "comma separated kafka seed brokers")
	flag.StringVar(&natsURL, "nats-url", envOr("GAMEHUB_NATS_URL", "nats://localhost:4222"), "NATS server url")
	flag.StringVar(&opts.topic, "topic", envOr("GAMEHUB_TOPIC", "user-updates"), "topic to publish to")
	flag.StringVar(&opts.username, "username", "", "display name")
	flag.StringVar(&opts.subject, "subject", "", "owning-side subject id (empty for subjectless)")
	flag.StringVar(&opts.avatar, "avatar", "", "avatar url (empty for null)")
	flag.StringVar(&opts.action, "action", "CREATE", "CREATE, UPDATE or DELETE")
	flag.StringVar(&opts.replay, "replay", "", "dead-letter envelope file to re-publish")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "delivery timeout")
	flag.Parse()

	log, err := logger.New("info", "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	msg, err := opts.message(os.ReadFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emit: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var prod broker.Producer
	switch kind {
	case "kafka":
		p, err := producer.New(kafka.Config{Brokers: strings.Split(brokers, ","), ClientID: "gamehub-emit"}, producer.WithLogger(log))
		if err != nil {
			fmt.Fprintf(os.Stderr, "emit: %v\n", err)
			os.Exit(1)
		}
		defer p.Close(ctx)
		prod = p
	case "nats":
		conn, err := natsjs.Connect(natsURL, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "emit: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()
		// The replicator owns the stream config; publishing only needs it to exist.
		prod = natsjs.NewProducer(conn.JS)
	default:
		fmt.Fprintf(os.Stderr, "emit: unknown broker %q\n", kind)
		os.Exit(2)
	}

	if err := broker.SendSync(ctx, prod, msg.topic, msg.key, msg.value); err != nil {
		log.Error("publish failed", "topic", msg.topic, "key", string(msg.key), "error", err)
		os.Exit(1)
	}
	log.Info("published", "topic", msg.topic, "key", string(msg.key), "bytes", len(msg.value))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
