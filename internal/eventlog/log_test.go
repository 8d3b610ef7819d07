package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAssignsMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	first, err := l.Log("task.created", "scheduler", "T-1", nil)
	require.NoError(t, err)
	second, err := l.Log("task.transitioned", "scheduler", "T-1", map[string]string{"to": "ready"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.EventID)
	assert.Equal(t, int64(2), second.EventID)
}

func TestOpenSeedsCounterFromExistingJournal(t *testing.T) {
	dir := t.TempDir()
	l1, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l1.Log("task.created", "scheduler", "T-1", nil)
		require.NoError(t, err)
	}

	l2, err := Open(dir)
	require.NoError(t, err)
	next, err := l2.Log("task.created", "scheduler", "T-2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.EventID)
}

func TestSubscribeReceivesFutureEvents(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	var received []Event
	cancel := l.Subscribe(SubscriberFunc(func(e Event) {
		received = append(received, e)
	}))
	defer cancel()

	_, err = l.Log("task.created", "scheduler", "T-1", nil)
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, "task.created", received[0].Type)
}

func TestSubscribeChannelDeliversInOrder(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	sub := l.SubscribeChannel(10)
	defer sub.Close()

	_, err = l.Log("task.created", "scheduler", "T-1", nil)
	require.NoError(t, err)
	_, err = l.Log("task.transitioned", "scheduler", "T-1", nil)
	require.NoError(t, err)

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, "task.created", first.Type)
	assert.Equal(t, "task.transitioned", second.Type)
}

func TestQueryFiltersByTaskAndType(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	_, err = l.Log("task.created", "scheduler", "T-1", nil)
	require.NoError(t, err)
	_, err = l.Log("task.created", "scheduler", "T-2", nil)
	require.NoError(t, err)
	_, err = l.Log("task.transitioned", "scheduler", "T-1", nil)
	require.NoError(t, err)

	results, err := l.QueryEvents(Query{TaskID: "T-1"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = l.QueryEvents(Query{Type: "task.created"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestQuerySinceExcludesOlderEvents(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	current := start
	l, err := Open(dir, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	_, err = l.Log("task.created", "scheduler", "T-1", nil)
	require.NoError(t, err)
	current = current.Add(time.Hour)
	cutoff := current
	current = current.Add(time.Hour)
	_, err = l.Log("task.transitioned", "scheduler", "T-1", nil)
	require.NoError(t, err)

	results, err := l.QueryEvents(Query{Since: cutoff})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "task.transitioned", results[0].Type)
}
