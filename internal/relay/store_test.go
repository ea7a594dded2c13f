package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom_live/native/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddPeer(ctx, "s1", "p2", "bob"))
	require.NoError(t, s.AddPeer(ctx, "s1", "p1", "alice"))
	require.NoError(t, s.AddPeer(ctx, "s2", "p9", "zed"))

	ps, err := s.Participants(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Participant{{PeerID: "p1", UserID: "alice"}, {PeerID: "p2", UserID: "bob"}}, ps)

	require.NoError(t, s.RemovePeer(ctx, "s1", "p1"))
	require.NoError(t, s.RemovePeer(ctx, "s1", "unknown"))
	ps, _ = s.Participants(ctx, "s1")
	assert.Len(t, ps, 1)

	rec := domain.StrokeRecord{PeerID: "p2", Order: 1}
	require.NoError(t, s.AppendStroke(ctx, "s1", rec))
	strokes, _ := s.Strokes(ctx, "s1")
	assert.Equal(t, []domain.StrokeRecord{rec}, strokes)

	// callers get a copy
	strokes[0].Order = 99
	strokes, _ = s.Strokes(ctx, "s1")
	assert.Equal(t, 1, strokes[0].Order)

	require.NoError(t, s.ClearStrokes(ctx, "s1"))
	strokes, _ = s.Strokes(ctx, "s1")
	assert.Empty(t, strokes)
}

func TestRedisStoreKeys(t *testing.T) {
	s := NewRedisStore(nil, " school: ")
	assert.Equal(t, "school:session:s1:peers", s.peersKey("s1"))
	assert.Equal(t, "school:session:s1:strokes", s.strokesKey("s1"))

	s = NewRedisStore(nil, "")
	assert.Equal(t, "classroom:session:s1:peers", s.peersKey("s1"))
}
