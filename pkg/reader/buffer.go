package reader

import (
	"sort"
	"sync"
)

// PlayoutState is the playout buffer's state machine:
// buffering -> playing -> stalled -> playing -> finished.
type PlayoutState string

const (
	Buffering PlayoutState = "buffering"
	Playing   PlayoutState = "playing"
	Stalled   PlayoutState = "stalled"
	Finished  PlayoutState = "finished"
)

// bufferedChunk is one chunk waiting to be played.
type bufferedChunk struct {
	sequence int
	data     []byte
}

// PlayoutBuffer holds downloaded chunks in sequence order and exposes
// the thresholds that drive the reader's state machine and download
// scheduling.
type PlayoutBuffer struct {
	mu sync.Mutex

	chunks           []bufferedChunk
	position         int
	totalChunks      int
	chunkDurationSec float64

	targetBufferSec  float64
	lowWaterMarkSec  float64
	startPlaybackSec float64

	state             PlayoutState
	rebufferingEvents int
	chunksPlayed      int
}

// BufferConfig carries the playout thresholds: target buffer depth,
// the low water mark below which refill takes priority, and the
// minimum buffered duration before playback begins.
type BufferConfig struct {
	ChunkDurationSec float64
	TargetBufferSec  float64
	LowWaterMarkSec  float64
	StartPlaybackSec float64
}

func DefaultBufferConfig(chunkDurationSec float64) BufferConfig {
	return BufferConfig{
		ChunkDurationSec: chunkDurationSec,
		TargetBufferSec:  30,
		LowWaterMarkSec:  15,
		StartPlaybackSec: 10,
	}
}

// NewPlayoutBuffer builds an empty buffer for a stream of totalChunks
// chunks.
func NewPlayoutBuffer(cfg BufferConfig, totalChunks int) *PlayoutBuffer {
	return &PlayoutBuffer{
		totalChunks:      totalChunks,
		chunkDurationSec: cfg.ChunkDurationSec,
		targetBufferSec:  cfg.TargetBufferSec,
		lowWaterMarkSec:  cfg.LowWaterMarkSec,
		startPlaybackSec: cfg.StartPlaybackSec,
		state:            Buffering,
	}
}

// levelSeconds returns the buffered content's play duration. Must be
// called with mu held.
func (b *PlayoutBuffer) levelSeconds() float64 {
	return float64(len(b.chunks)) * b.chunkDurationSec
}

// NeedsMoreChunks reports whether the buffer has dropped below its low
// water mark and the scheduler should fetch more.
func (b *PlayoutBuffer) NeedsMoreChunks() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levelSeconds() < b.lowWaterMarkSec
}

// NextSequencesToFetch returns up to count sequence numbers the
// scheduler should prioritize downloading next, starting just past
// whatever is already buffered.
func (b *PlayoutBuffer) NextSequencesToFetch(count int) []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.position
	if len(b.chunks) > 0 {
		max := b.chunks[0].sequence
		for _, c := range b.chunks {
			if c.sequence > max {
				max = c.sequence
			}
		}
		start = max + 1
	}

	var out []int
	for seq := start; seq < start+count && seq < b.totalChunks; seq++ {
		if !b.hasSequence(seq) {
			out = append(out, seq)
		}
	}
	return out
}

func (b *PlayoutBuffer) hasSequence(seq int) bool {
	for _, c := range b.chunks {
		if c.sequence == seq {
			return true
		}
	}
	return false
}

// AddChunk inserts a downloaded chunk in sequence order. Rejects
// chunks already played or already buffered.
func (b *PlayoutBuffer) AddChunk(sequence int, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sequence < b.position {
		return false
	}
	if b.hasSequence(sequence) {
		return false
	}

	b.chunks = append(b.chunks, bufferedChunk{sequence: sequence, data: data})
	sort.Slice(b.chunks, func(i, j int) bool { return b.chunks[i].sequence < b.chunks[j].sequence })

	if b.state == Buffering && b.levelSeconds() >= b.startPlaybackSec {
		b.state = Playing
	}
	if b.state == Stalled && b.hasSequence(b.position) {
		b.state = Playing
	}
	return true
}

// NextForPlayback pops the next in-sequence chunk for playout. Returns
// ok=false on buffer underrun; an underrun while Playing transitions
// to Stalled.
func (b *PlayoutBuffer) NextForPlayback() (data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.position >= b.totalChunks {
		b.state = Finished
		return nil, false
	}

	for i, c := range b.chunks {
		if c.sequence == b.position {
			b.chunks = append(b.chunks[:i], b.chunks[i+1:]...)
			b.position++
			b.chunksPlayed++
			if b.position >= b.totalChunks {
				b.state = Finished
			}
			return c.data, true
		}
	}

	// Expected chunk not buffered: a stall, not a playback error. A
	// session still filling toward the start threshold stays in
	// Buffering rather than counting a stall.
	if b.state == Playing {
		b.rebufferingEvents++
		b.state = Stalled
	}
	return nil, false
}

// State returns the buffer's current playout state.
func (b *PlayoutBuffer) State() PlayoutState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time snapshot for diagnostics/dashboards.
type Status struct {
	State             PlayoutState
	LevelSeconds      float64
	Position          int
	ChunksPlayed      int
	RebufferingEvents int
}

func (b *PlayoutBuffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:             b.state,
		LevelSeconds:      b.levelSeconds(),
		Position:          b.position,
		ChunksPlayed:      b.chunksPlayed,
		RebufferingEvents: b.rebufferingEvents,
	}
}
