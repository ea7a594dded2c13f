package surface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom_live/native/internal/domain"
)

type recordingSender struct {
	frames []domain.Frame
}

func (s *recordingSender) Send(f domain.Frame) {
	s.frames = append(s.frames, f)
}

func line(tool domain.Tool) domain.Stroke {
	return domain.Stroke{
		Points: []domain.Point{{X: 0, Y: 0}, {X: 10, Y: 10}},
		Color:  "#000000",
		Width:  2,
		Tool:   tool,
	}
}

func TestWhiteboard_CommitBroadcastsStrokeWithOrder(t *testing.T) {
	sender := &recordingSender{}
	w := NewWhiteboard("p1", sender)

	for want := 1; want <= 3; want++ {
		order, err := w.Commit(line(domain.ToolPen))
		require.NoError(t, err)
		assert.Equal(t, want, order)
	}

	require.Len(t, sender.frames, 3)
	last := sender.frames[2]
	assert.Equal(t, domain.TypeWhiteboardStroke, last.Type)
	assert.Equal(t, "p1", last.PeerID)
	assert.Equal(t, 3, last.StrokeOrder)
	require.NotNil(t, last.StrokeData)
	assert.Equal(t, domain.ToolPen, last.StrokeData.Tool)
}

func TestWhiteboard_ClearResetsOrderAndBroadcasts(t *testing.T) {
	sender := &recordingSender{}
	w := NewWhiteboard("p1", sender)

	_, _ = w.Commit(line(domain.ToolPen))
	_, _ = w.Commit(line(domain.ToolHighlighter))
	w.Clear()

	order, err := w.Commit(line(domain.ToolEraser))
	require.NoError(t, err)
	assert.Equal(t, 1, order)

	require.Len(t, sender.frames, 4)
	assert.Equal(t, domain.TypeWhiteboardClear, sender.frames[2].Type)
	assert.Equal(t, "p1", sender.frames[2].PeerID)
}

func TestWhiteboard_RejectsInvalidStrokes(t *testing.T) {
	sender := &recordingSender{}
	w := NewWhiteboard("p1", sender)

	single := line(domain.ToolPen)
	single.Points = single.Points[:1]
	_, err := w.Commit(single)
	assert.ErrorIs(t, err, ErrInvalidStroke)

	_, err = w.Commit(line("spray"))
	assert.ErrorIs(t, err, ErrInvalidStroke)

	assert.Empty(t, sender.frames)
	assert.Empty(t, w.Strokes())
}

func TestWhiteboard_ReceiveStroke(t *testing.T) {
	w := NewWhiteboard("p1", &recordingSender{})

	f := domain.WhiteboardStroke("p2", line(domain.ToolPen), 1)
	assert.True(t, w.ReceiveStroke(f))
	assert.False(t, w.ReceiveStroke(f))
	assert.False(t, w.ReceiveStroke(domain.Frame{Type: domain.TypeWhiteboardStroke, PeerID: "p2"}))

	bad := line(domain.ToolPen)
	bad.Points = nil
	assert.False(t, w.ReceiveStroke(domain.WhiteboardStroke("p2", bad, 2)))

	strokes := w.Strokes()
	require.Len(t, strokes, 1)
	assert.Equal(t, "p2", strokes[0].PeerID)
	assert.Equal(t, 1, strokes[0].Order)
}

func TestWhiteboard_ReadOnlyStillAppliesRemote(t *testing.T) {
	sender := &recordingSender{}
	w := NewWhiteboard("p1", sender)
	w.SetReadOnly(true)

	_, err := w.Commit(line(domain.ToolPen))
	assert.ErrorIs(t, err, ErrReadOnly)

	assert.True(t, w.ReceiveStroke(domain.WhiteboardStroke("p2", line(domain.ToolPen), 1)))
	w.ReceiveClear(domain.WhiteboardClear("p2"))

	assert.Empty(t, w.Strokes())
	assert.Empty(t, sender.frames)
}

func TestWhiteboard_ApplySnapshotSkipsKnownStrokes(t *testing.T) {
	w := NewWhiteboard("p1", &recordingSender{})
	_, _ = w.Commit(line(domain.ToolPen))
	w.ReceiveStroke(domain.WhiteboardStroke("p2", line(domain.ToolPen), 1))

	n, cleared := w.ApplySnapshot([]domain.StrokeRecord{
		{PeerID: "p1", Order: 1, Stroke: line(domain.ToolPen)},
		{PeerID: "p2", Order: 1, Stroke: line(domain.ToolPen)},
		{PeerID: "p2", Order: 2, Stroke: line(domain.ToolEraser)},
		{PeerID: "p3", Order: 1, Stroke: domain.Stroke{Tool: domain.ToolPen}},
	}, w.Mark())

	assert.Equal(t, 1, n)
	assert.False(t, cleared)
	assert.Len(t, w.Strokes(), 3)
}

func TestWhiteboard_SnapshotFromBeforeClearIsDiscarded(t *testing.T) {
	w := NewWhiteboard("p1", &recordingSender{})
	w.ReceiveStroke(domain.WhiteboardStroke("p2", line(domain.ToolPen), 1))
	at := w.Mark()

	w.ReceiveClear(domain.WhiteboardClear("p2"))
	n, cleared := w.ApplySnapshot([]domain.StrokeRecord{
		{PeerID: "p2", Order: 1, Stroke: line(domain.ToolPen)},
	}, at)

	assert.Zero(t, n)
	assert.False(t, cleared)
	assert.Empty(t, w.Strokes())

	// the stroke was not marked applied by the discarded snapshot
	assert.True(t, w.ReceiveStroke(domain.WhiteboardStroke("p2", line(domain.ToolPen), 1)))
}

func TestWhiteboard_EmptySnapshotClearsMissedClear(t *testing.T) {
	w := NewWhiteboard("p1", &recordingSender{})
	w.ReceiveStroke(domain.WhiteboardStroke("p2", line(domain.ToolPen), 1))
	var changes []Change[domain.Stroke]
	w.Subscribe(func(c Change[domain.Stroke]) { changes = append(changes, c) })

	n, cleared := w.ApplySnapshot(nil, w.Mark())

	assert.Zero(t, n)
	assert.True(t, cleared)
	assert.Empty(t, w.Strokes())
	require.Len(t, changes, 1)
	assert.Equal(t, Cleared, changes[0].Kind)
}

func TestWhiteboard_EmptySnapshotKeepsNewerStrokes(t *testing.T) {
	sender := &recordingSender{}
	w := NewWhiteboard("p1", sender)
	at := w.Mark()
	_, err := w.Commit(line(domain.ToolPen))
	require.NoError(t, err)

	_, cleared := w.ApplySnapshot(nil, at)

	assert.False(t, cleared)
	assert.Len(t, w.Strokes(), 1)
}
