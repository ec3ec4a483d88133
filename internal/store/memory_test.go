package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_CreateAssignsIDAndTime(t *testing.T) {
	s := NewMemory()
	m, err := s.CreateMessage(context.Background(), Message{Sender: "alice", Recipient: "bob", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, 1, s.Len())
}

func TestMemory_RejectsEmptyMessage(t *testing.T) {
	s := NewMemory()
	_, err := s.CreateMessage(context.Background(), Message{Sender: "alice", Recipient: "bob"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.CreateMessage(context.Background(), Message{Sender: "alice", Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Equal(t, 0, s.Len())
}

func TestMemory_HistoryBothDirectionsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, m := range []Message{
		{Sender: "alice", Recipient: "bob", Text: "1"},
		{Sender: "carol", Recipient: "bob", Text: "other"},
		{Sender: "bob", Recipient: "alice", Text: "2"},
		{Sender: "alice", Recipient: "bob", File: "1700000000000.png"},
	} {
		_, err := s.CreateMessage(ctx, m)
		require.NoError(t, err)
	}

	got, err := s.History(ctx, "bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].Text)
	assert.Equal(t, "2", got[1].Text)
	assert.Equal(t, "1700000000000.png", got[2].File)
}

func TestMemory_HistoryLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 5; i++ {
		_, err := s.CreateMessage(ctx, Message{Sender: "alice", Recipient: "bob", Text: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	got, err := s.History(ctx, "alice", "bob", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Text)
	assert.Equal(t, "4", got[1].Text)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, EffectiveLimit(0))
	assert.Equal(t, DefaultHistoryLimit, EffectiveLimit(-1))
	assert.Equal(t, DefaultHistoryLimit, EffectiveLimit(DefaultHistoryLimit+1))
	assert.Equal(t, 10, EffectiveLimit(10))
}
