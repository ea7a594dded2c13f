package surface

import (
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
)

var log = logging.For("whiteboard")

// ErrInvalidStroke is returned for strokes with fewer than two points or an
// unknown tool.
var ErrInvalidStroke = errors.New("invalid stroke")

// ValidateStroke checks the shape of a stroke before it is committed or
// applied.
func ValidateStroke(s domain.Stroke) error {
	if len(s.Points) < 2 {
		return errors.Wrapf(ErrInvalidStroke, "%d points", len(s.Points))
	}
	if !s.Tool.Valid() {
		return errors.Wrapf(ErrInvalidStroke, "tool %q", s.Tool)
	}
	if s.Width < 0 {
		return errors.Wrapf(ErrInvalidStroke, "width %v", s.Width)
	}
	return nil
}

// Whiteboard is the stroke log of a classroom, wired to the session channel.
type Whiteboard struct {
	peerID string
	log    *Log[domain.Stroke]
}

// NewWhiteboard creates an empty whiteboard authored by peerID that
// broadcasts through sender.
func NewWhiteboard(peerID string, sender domain.Sender) *Whiteboard {
	w := &Whiteboard{peerID: peerID}
	w.log = NewLog(peerID,
		func(e Entry[domain.Stroke]) {
			sender.Send(domain.WhiteboardStroke(peerID, e.Value, e.Order))
		},
		func() {
			sender.Send(domain.WhiteboardClear(peerID))
		},
	)
	return w
}

// Commit validates and commits a locally drawn stroke and returns its order.
func (w *Whiteboard) Commit(s domain.Stroke) (int, error) {
	if err := ValidateStroke(s); err != nil {
		return 0, err
	}
	e, err := w.log.Commit(s)
	if err != nil {
		return 0, err
	}
	return e.Order, nil
}

// ReceiveStroke applies a whiteboard_stroke frame. Invalid or already
// applied strokes are dropped.
func (w *Whiteboard) ReceiveStroke(f domain.Frame) bool {
	if f.StrokeData == nil {
		log.Warnf("stroke from %s without stroke_data", f.PeerID)
		return false
	}
	if err := ValidateStroke(*f.StrokeData); err != nil {
		log.Warnf("dropping stroke from %s: %v", f.PeerID, err)
		return false
	}
	if !w.log.ReceiveRemote(f.PeerID, *f.StrokeData, f.StrokeOrder) {
		log.Debugf("duplicate stroke %s#%d", f.PeerID, f.StrokeOrder)
		return false
	}
	return true
}

// ReceiveClear applies a whiteboard_clear frame.
func (w *Whiteboard) ReceiveClear(f domain.Frame) {
	w.log.ReceiveClear(f.PeerID)
}

// Clear wipes the board for everyone.
func (w *Whiteboard) Clear() {
	w.log.Clear()
}

// ApplySnapshot reconciles the board with stored strokes fetched from the
// server, where at is the board's Mark taken before the fetch started.
// A snapshot that predates the latest clear is discarded. An empty snapshot
// clears a board that has not changed since at. Otherwise strokes not seen
// yet are applied. It returns how many strokes were new and whether the
// board was cleared.
func (w *Whiteboard) ApplySnapshot(records []domain.StrokeRecord, at Mark) (added int, cleared bool) {
	now := w.log.Mark()
	if now.Epoch != at.Epoch {
		log.Debugf("discarding snapshot fetched before a clear")
		return 0, false
	}
	if len(records) == 0 {
		if w.log.Len() == 0 || now.Version != at.Version {
			return 0, false
		}
		w.log.ReceiveClear("")
		return 0, true
	}
	for _, r := range records {
		if ValidateStroke(r.Stroke) != nil {
			continue
		}
		if w.log.ReceiveRemote(r.PeerID, r.Stroke, r.Order) {
			added++
		}
	}
	return added, false
}

// Mark returns the board's current position, for ApplySnapshot.
func (w *Whiteboard) Mark() Mark { return w.log.Mark() }

// Strokes returns the applied strokes in order.
func (w *Whiteboard) Strokes() []domain.StrokeRecord {
	entries := w.log.Entries()
	out := make([]domain.StrokeRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.StrokeRecord{PeerID: e.Author, Order: e.Order, Stroke: e.Value})
	}
	return out
}

func (w *Whiteboard) SetReadOnly(ro bool) { w.log.SetReadOnly(ro) }

func (w *Whiteboard) ReadOnly() bool { return w.log.ReadOnly() }

func (w *Whiteboard) Subscribe(fn func(Change[domain.Stroke])) func() {
	return w.log.Subscribe(fn)
}
