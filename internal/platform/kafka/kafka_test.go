package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Opts(t *testing.T) {
	assert.Len(t, Config{Brokers: []string{"localhost:9092"}}.Opts(), 1)
	assert.Len(t, Config{Brokers: []string{"a:1", "b:2"}, ClientID: "svc", DialTimeout: time.Second}.Opts(), 3)
}

func TestEnsureTopics_RequiresBrokers(t *testing.T) {
	err := EnsureTopics(context.Background(), Config{}, TopicSpec{Name: "user-updates"})
	assert.ErrorContains(t, err, "seed broker")
}
