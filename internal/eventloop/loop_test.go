package eventloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

func TestLoop_RunsTasksInPostOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 1; i <= 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.True(t, l.Do(func() {}))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i+1, v)
	}
}

func TestLoop_TaskCanPostFollowUp(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})
	<-done
}

func TestLoop_SurvivesPanickingTask(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.True(t, l.Do(func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := startLoop(t)
	l.Stop()

	assert.False(t, l.Post(func() {}))
	assert.False(t, l.Do(func() {}))
}
