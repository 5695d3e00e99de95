//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/queue"
	"attendguard/internal/testutil/containers"
)

func TestPostgresStoreAndRedisQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewPostgresStore(containers.Postgres(t))
	q := queue.NewRedisQueue(containers.Redis(t), "test:audit", nil)

	w := NewWorker(q, s, WorkerConfig{RetryBackoff: time.Millisecond}, nil)
	go func() { _ = w.Run(ctx) }()

	l := NewLogger(q, LoggerConfig{Retention: time.Hour}, nil, nil)
	sessionID := uuid.NewString()
	l.Emit(ctx, Event{Type: TypeAttendanceAccepted, SessionID: sessionID, PersonID: "stu-1", Flags: []string{"DEVICE_SWITCH"}})
	l.Emit(ctx, Event{Type: TypeAttendanceRejected, SessionID: sessionID, PersonID: "stu-2", Code: "OUTSIDE_GEOFENCE"})

	require.Eventually(t, func() bool {
		events, err := s.ListBySession(ctx, sessionID)
		return err == nil && len(events) == 2
	}, 10*time.Second, 50*time.Millisecond)

	events, err := s.ListBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEVICE_SWITCH"}, events[0].Flags)

	// re-appending the same id is a no-op
	require.NoError(t, s.Append(ctx, events[0]))
	events, err = s.ListBySession(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	n, err := s.Purge(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
