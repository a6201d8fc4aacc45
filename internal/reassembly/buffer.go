// Package reassembly pairs the metadata and payload halves of media
// fragments. Halves arrive as separate messages in either order; a fragment
// is emitted the moment both halves for its key are present.
package reassembly

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yoockh/intraview/internal/models"
)

var (
	ErrDuplicateHalf = errors.New("duplicate fragment half")
	ErrBufferFull    = errors.New("reassembly buffer full")
)

type Key struct {
	Modality models.Modality
	Index    int64
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Modality, k.Index) }

// Metadata is the descriptive half of a fragment.
type Metadata struct {
	Timestamp    time.Time
	EndTimestamp *time.Time
	DurationMS   int64
	OffsetMS     int64
	// AudioChunkIndex links a video frame to the audio chunk it was
	// captured during.
	AudioChunkIndex *int64
	QuestionID      *int64
	MimeType        string
}

// Fragment is a complete (metadata, payload) pair.
type Fragment struct {
	SessionID string
	Key       Key
	Meta      Metadata
	Payload   []byte
}

type state uint8

const (
	awaitingBlob state = iota + 1
	awaitingMetadata
)

type entry struct {
	state   state
	meta    Metadata
	payload []byte
}

type Limits struct {
	// MaxPartial caps outstanding half-fragments; 0 means unlimited.
	MaxPartial int
	// MaxBytes caps buffered payload bytes; 0 means unlimited.
	MaxBytes int
}

// Buffer holds the half-fragments of one session. It is owned by the
// session's receive goroutine and is not safe for concurrent use.
type Buffer struct {
	sessionID string
	limits    Limits
	entries   map[Key]*entry
	bytes     int
}

func New(sessionID string, limits Limits) *Buffer {
	return &Buffer{
		sessionID: sessionID,
		limits:    limits,
		entries:   make(map[Key]*entry),
	}
}

// OnMetadata records the metadata half of key. It returns the completed
// fragment when the payload was already waiting, nil otherwise.
func (b *Buffer) OnMetadata(key Key, meta Metadata) (*Fragment, error) {
	if e, ok := b.entries[key]; ok {
		if e.state == awaitingBlob {
			return nil, fmt.Errorf("%w: metadata for %s", ErrDuplicateHalf, key)
		}
		delete(b.entries, key)
		b.bytes -= len(e.payload)
		return b.fragment(key, meta, e.payload), nil
	}
	if b.limits.MaxPartial > 0 && len(b.entries) >= b.limits.MaxPartial {
		return nil, fmt.Errorf("%w: %d partial fragments", ErrBufferFull, len(b.entries))
	}
	b.entries[key] = &entry{state: awaitingBlob, meta: meta}
	return nil, nil
}

// OnBlob records the payload half of key.
func (b *Buffer) OnBlob(key Key, payload []byte) (*Fragment, error) {
	if e, ok := b.entries[key]; ok {
		if e.state == awaitingMetadata {
			return nil, fmt.Errorf("%w: payload for %s", ErrDuplicateHalf, key)
		}
		delete(b.entries, key)
		return b.fragment(key, e.meta, payload), nil
	}
	if b.limits.MaxPartial > 0 && len(b.entries) >= b.limits.MaxPartial {
		return nil, fmt.Errorf("%w: %d partial fragments", ErrBufferFull, len(b.entries))
	}
	if b.limits.MaxBytes > 0 && b.bytes+len(payload) > b.limits.MaxBytes {
		return nil, fmt.Errorf("%w: %d buffered bytes", ErrBufferFull, b.bytes)
	}
	b.entries[key] = &entry{state: awaitingMetadata, payload: payload}
	b.bytes += len(payload)
	return nil, nil
}

// TakeOrphanBlobs removes payload-only entries of modality and returns them
// in index order with zero metadata.
func (b *Buffer) TakeOrphanBlobs(modality models.Modality) []Fragment {
	var out []Fragment
	for k, e := range b.entries {
		if k.Modality != modality || e.state != awaitingMetadata {
			continue
		}
		out = append(out, *b.fragment(k, Metadata{}, e.payload))
		b.bytes -= len(e.payload)
		delete(b.entries, k)
	}
	sortByIndex(out)
	return out
}

// Discard drops every partial entry and reports how many there were.
func (b *Buffer) Discard() int {
	n := len(b.entries)
	clear(b.entries)
	b.bytes = 0
	return n
}

// Pending is the number of partial entries.
func (b *Buffer) Pending() int { return len(b.entries) }

// Bytes is the payload size held by partial entries.
func (b *Buffer) Bytes() int { return b.bytes }

func (b *Buffer) fragment(key Key, meta Metadata, payload []byte) *Fragment {
	return &Fragment{SessionID: b.sessionID, Key: key, Meta: meta, Payload: payload}
}

func sortByIndex(fs []Fragment) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Key.Index < fs[j].Key.Index })
}
