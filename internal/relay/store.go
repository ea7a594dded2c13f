package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"classroom_live/native/internal/domain"
)

// Store keeps per-session presence and the stroke history served in
// snapshots.
type Store interface {
	AddPeer(ctx context.Context, sessionID, peerID, userID string) error
	RemovePeer(ctx context.Context, sessionID, peerID string) error
	Participants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	AppendStroke(ctx context.Context, sessionID string, rec domain.StrokeRecord) error
	ClearStrokes(ctx context.Context, sessionID string) error
	Strokes(ctx context.Context, sessionID string) ([]domain.StrokeRecord, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu       sync.Mutex
	presence map[string]map[string]string
	strokes  map[string][]domain.StrokeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]map[string]string),
		strokes:  make(map[string][]domain.StrokeRecord),
	}
}

func (s *MemoryStore) AddPeer(_ context.Context, sessionID, peerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.presence[sessionID]
	if peers == nil {
		peers = make(map[string]string)
		s.presence[sessionID] = peers
	}
	peers[peerID] = userID
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, sessionID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence[sessionID], peerID)
	if len(s.presence[sessionID]) == 0 {
		delete(s.presence, sessionID)
	}
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0, len(s.presence[sessionID]))
	for peerID, userID := range s.presence[sessionID] {
		out = append(out, domain.Participant{PeerID: peerID, UserID: userID})
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemoryStore) AppendStroke(_ context.Context, sessionID string, rec domain.StrokeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strokes[sessionID] = append(s.strokes[sessionID], rec)
	return nil
}

func (s *MemoryStore) ClearStrokes(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strokes, sessionID)
	return nil
}

func (s *MemoryStore) Strokes(_ context.Context, sessionID string) ([]domain.StrokeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StrokeRecord(nil), s.strokes[sessionID]...), nil
}

// RedisStore implements Store with a hash of peer id to user id and a list
// of JSON stroke records per session.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore builds a Redis-backed store. Prefix is optional (e.g. "classroom").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "classroom"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) peersKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:peers", s.prefix, sessionID)
}

func (s *RedisStore) strokesKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:strokes", s.prefix, sessionID)
}

func (s *RedisStore) AddPeer(ctx context.Context, sessionID, peerID, userID string) error {
	return s.rdb.HSet(ctx, s.peersKey(sessionID), peerID, userID).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, sessionID, peerID string) error {
	return s.rdb.HDel(ctx, s.peersKey(sessionID), peerID).Err()
}

func (s *RedisStore) Participants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	vals, err := s.rdb.HGetAll(ctx, s.peersKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "presence")
	}
	out := make([]domain.Participant, 0, len(vals))
	for peerID, userID := range vals {
		out = append(out, domain.Participant{PeerID: peerID, UserID: userID})
	}
	sortParticipants(out)
	return out, nil
}

func (s *RedisStore) AppendStroke(ctx context.Context, sessionID string, rec domain.StrokeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal stroke")
	}
	return s.rdb.RPush(ctx, s.strokesKey(sessionID), data).Err()
}

func (s *RedisStore) ClearStrokes(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.strokesKey(sessionID)).Err()
}

func (s *RedisStore) Strokes(ctx context.Context, sessionID string) ([]domain.StrokeRecord, error) {
	vals, err := s.rdb.LRange(ctx, s.strokesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "strokes")
	}
	out := make([]domain.StrokeRecord, 0, len(vals))
	for _, v := range vals {
		var rec domain.StrokeRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			log.Warnf("skipping corrupt stroke in %s: %v", sessionID, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].PeerID < ps[j].PeerID })
}
