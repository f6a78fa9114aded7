package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "moneycore.transfers.completed", Topic("moneycore", TransferCompleted))
	assert.Equal(t, "claims.claimed", Topic("", ClaimClaimed))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(), "a", &Event{Type: "x"}))
	require.NoError(t, r.Publish(context.Background(), "a", &Event{Type: "y"}))

	got := r.Events("a")
	require.Len(t, got, 2)
	assert.Equal(t, "y", got[1].Type)
	assert.Empty(t, r.Events("b"))
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), "t", &Event{}))
	assert.NoError(t, p.Close())
}

func TestNewKafkaPublisher(t *testing.T) {
	publisher := NewKafkaPublisher([]string{"localhost:9092", "localhost:9093"})
	require.NotNil(t, publisher)
	assert.Len(t, publisher.brokers, 2)
	assert.NotNil(t, publisher.writers)
}

func TestKafkaPublisher_getWriter(t *testing.T) {
	publisher := NewKafkaPublisher([]string{"localhost:9092"})
	defer publisher.Close()

	writer := publisher.getWriter("moneycore.claims.claimed")
	require.NotNil(t, writer)
	assert.Same(t, writer, publisher.getWriter("moneycore.claims.claimed"))
	assert.NotSame(t, writer, publisher.getWriter("moneycore.claims.released"))
}

func TestKafkaPublisherImplementsInterface(t *testing.T) {
	var _ Publisher = (*KafkaPublisher)(nil)
	var _ Publisher = (*Recorder)(nil)
}
