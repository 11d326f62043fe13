package eas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestQueue_Defaults(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int
		want    int
	}{
		{"positive max size", 50, 50},
		{"zero uses default", 0, DefaultQueueSize},
		{"negative uses default", -10, DefaultQueueSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewRequestQueue(tt.maxSize)
			require.NotNil(t, q)
			require.Equal(t, tt.want, q.maxSize)
			require.Equal(t, 0, q.Len())
		})
	}
}

func TestRequestQueue_FIFO(t *testing.T) {
	q := NewRequestQueue(10)

	reqs := []Request{
		NewAttachmentLoad(1, "", ""),
		NewMessageMove(2, 7),
		NewMeetingResponse(3, MeetingAccepted),
	}
	for _, r := range reqs {
		require.NoError(t, q.Enqueue(r))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range reqs {
		got, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Kind, got.Kind)
		require.False(t, got.EnqueuedAt.IsZero(), "enqueue stamps the request time")
	}

	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestRequestQueue_Full(t *testing.T) {
	q := NewRequestQueue(2)
	require.NoError(t, q.Enqueue(NewUpsync()))
	require.NoError(t, q.Enqueue(NewUpsync()))
	require.ErrorIs(t, q.Enqueue(NewUpsync()), ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestRequestQueue_Drain(t *testing.T) {
	q := NewRequestQueue(10)
	require.Empty(t, q.Drain())

	require.NoError(t, q.Enqueue(NewUpsync()))
	require.NoError(t, q.Enqueue(NewAttachmentLoad(9, "/tmp/out", "")))

	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, RequestUpsync, drained[0].Kind)
	require.Equal(t, RequestAttachmentLoad, drained[1].Kind)
	require.Equal(t, 0, q.Len())
}

func TestRequestQueue_RequestTime(t *testing.T) {
	q := NewRequestQueue(10)
	require.True(t, q.RequestTime().IsZero())

	require.NoError(t, q.Enqueue(NewUpsync()))
	first := q.RequestTime()
	require.False(t, first.IsZero())

	require.NoError(t, q.Enqueue(NewUpsync()))
	require.False(t, q.RequestTime().Before(first), "request time tracks the latest enqueue")
}
