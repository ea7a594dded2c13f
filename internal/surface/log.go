// Package surface keeps ordered, append-only shared state (whiteboard
// strokes, shared text) in sync over the session channel.
package surface

import "github.com/pkg/errors"

// ErrReadOnly is returned by Commit when the surface is read-only.
var ErrReadOnly = errors.New("surface is read-only")

// Entry is one applied log entry.
type Entry[T any] struct {
	Author string
	Order  int
	Value  T
}

// ChangeKind tells subscribers what happened to the log.
type ChangeKind int

const (
	Appended ChangeKind = iota
	Cleared
)

// Change is delivered to subscribers after every mutation. Remote is false
// for local commits and clears.
type Change[T any] struct {
	Kind   ChangeKind
	Entry  Entry[T]
	Remote bool
}

// Mark is a position in a log's history. Epoch counts clears; version
// counts every mutation.
type Mark struct {
	Epoch   int
	Version int
}

type entryKey struct {
	author string
	order  int
}

// Log is an ordered append log with at-least-once, idempotent apply.
// Entries are identified by (author, order); an identifier that was already
// applied is ignored. Log is not safe for concurrent use: it belongs to the
// goroutine that runs the session loop.
type Log[T any] struct {
	author   string
	entries  []Entry[T]
	counter  int
	applied  map[entryKey]struct{}
	readOnly bool
	epoch    int
	version  int

	onCommit func(Entry[T])
	onClear  func()

	subs   map[int]func(Change[T])
	subSeq int
}

// NewLog creates an empty log for the local author. onCommit and onClear
// broadcast local mutations; either may be nil.
func NewLog[T any](author string, onCommit func(Entry[T]), onClear func()) *Log[T] {
	return &Log[T]{
		author:   author,
		applied:  make(map[entryKey]struct{}),
		onCommit: onCommit,
		onClear:  onClear,
		subs:     make(map[int]func(Change[T])),
	}
}

// Commit assigns the next local order, appends v and broadcasts it.
func (l *Log[T]) Commit(v T) (Entry[T], error) {
	if l.readOnly {
		return Entry[T]{}, ErrReadOnly
	}
	l.counter++
	e := Entry[T]{Author: l.author, Order: l.counter, Value: v}
	l.append(e)

	if l.onCommit != nil {
		l.onCommit(e)
	}
	l.notify(Change[T]{Kind: Appended, Entry: e})
	return e, nil
}

// ReceiveRemote applies an entry from another participant. It reports
// whether the entry was new. Entries without an order cannot be
// deduplicated and are always applied.
func (l *Log[T]) ReceiveRemote(author string, v T, order int) bool {
	k := entryKey{author: author, order: order}
	if order > 0 {
		if _, seen := l.applied[k]; seen {
			return false
		}
	}
	e := Entry[T]{Author: author, Order: order, Value: v}
	l.append(e)
	l.notify(Change[T]{Kind: Appended, Entry: e, Remote: true})
	return true
}

// Clear empties the log, resets the local counter and broadcasts the clear.
// It applies in read-only mode too.
func (l *Log[T]) Clear() {
	l.reset()
	if l.onClear != nil {
		l.onClear()
	}
	l.notify(Change[T]{Kind: Cleared})
}

// ReceiveClear applies a remote clear unconditionally.
func (l *Log[T]) ReceiveClear(author string) {
	l.reset()
	l.notify(Change[T]{Kind: Cleared, Entry: Entry[T]{Author: author}, Remote: true})
}

// Entries returns a copy of the log in apply order.
func (l *Log[T]) Entries() []Entry[T] {
	return append([]Entry[T](nil), l.entries...)
}

func (l *Log[T]) Len() int { return len(l.entries) }

// Mark returns the current position in the log's history.
func (l *Log[T]) Mark() Mark { return Mark{Epoch: l.epoch, Version: l.version} }

// LastOrder is the order assigned to the most recent local commit.
func (l *Log[T]) LastOrder() int { return l.counter }

func (l *Log[T]) SetReadOnly(ro bool) { l.readOnly = ro }

func (l *Log[T]) ReadOnly() bool { return l.readOnly }

// Subscribe registers fn for every change and returns a function that
// removes it.
func (l *Log[T]) Subscribe(fn func(Change[T])) (unsubscribe func()) {
	l.subSeq++
	id := l.subSeq
	l.subs[id] = fn
	return func() { delete(l.subs, id) }
}

func (l *Log[T]) append(e Entry[T]) {
	l.entries = append(l.entries, e)
	l.version++
	if e.Order > 0 {
		l.applied[entryKey{author: e.Author, order: e.Order}] = struct{}{}
	}
}

func (l *Log[T]) reset() {
	l.entries = nil
	l.counter = 0
	l.applied = make(map[entryKey]struct{})
	l.epoch++
	l.version++
}

func (l *Log[T]) notify(c Change[T]) {
	for id := 1; id <= l.subSeq; id++ {
		if fn, ok := l.subs[id]; ok {
			fn(c)
		}
	}
}
