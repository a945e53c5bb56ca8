package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokers(t *testing.T) {
	assert.Nil(t, ParseBrokers(""))
	assert.Equal(t, []string{"k1:9092"}, ParseBrokers("k1:9092"))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ParseBrokers(" k1:9092 ,, k2:9092 ,"))
}

func TestProducer_DisabledIsNoop(t *testing.T) {
	for _, p := range []*Producer{NewProducer(nil, "routing.events"), NewProducer([]string{"k1:9092"}, "")} {
		assert.False(t, p.Enabled())
		p.Publish(context.Background(), notify.Agent("A"), notify.Event{Type: notify.EventChatAssigned, At: time.Now()})
		require.NoError(t, p.Close())
	}
	assert.True(t, NewProducer([]string{"k1:9092"}, "routing.events").Enabled())
}
