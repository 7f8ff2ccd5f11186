// Package kafka holds the franz-go wiring shared by the producer and the
// consumer: connection settings and topic bootstrap.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Config is the connection configuration for both clients.
type Config struct {
	Brokers  []string
	ClientID string
	// DialTimeout bounds each broker connection attempt.
	DialTimeout time.Duration
}

// Opts returns the base client options for cfg.
func (c Config) Opts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(c.DialTimeout))
	}
	return opts
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one seed broker is required")
	}
	return nil
}

// TopicSpec describes a topic to bootstrap.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// EnsureTopics creates missing topics. Existing topics are left untouched,
// including their partition count.
func EnsureTopics(ctx context.Context, cfg Config, topics ...TopicSpec) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cl, err := kgo.NewClient(cfg.Opts()...)
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer cl.Close()
	adm := kadm.NewClient(cl)

	for _, t := range topics {
		partitions, rf := t.Partitions, t.ReplicationFactor
		if partitions <= 0 {
			partitions = -1
		}
		if rf <= 0 {
			rf = -1
		}
		resp, err := adm.CreateTopic(ctx, partitions, rf, nil, t.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		}
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Name, resp.Err)
		}
	}
	return nil
}
