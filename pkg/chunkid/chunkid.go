// Package chunkid defines the opaque identity types shared by every
// component: stream, chunk, node, and content-hash. Promoting these to
// distinct types keeps a node-id from ever being passed where a
// chunk-id is expected.
package chunkid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/zeebo/errs"
)

// Error is the class for malformed identities.
var Error = errs.Class("chunkid")

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// StreamID is the opaque 128-bit identity of a stream.
type StreamID [16]byte

// NewStreamID generates a fresh random stream id.
func NewStreamID() (StreamID, error) {
	var id StreamID
	if _, err := rand.Read(id[:]); err != nil {
		return StreamID{}, Error.Wrap(err)
	}
	return id, nil
}

// String renders the stream id as lowercase hex.
func (s StreamID) String() string { return hex.EncodeToString(s[:]) }

// ParseStreamID parses a hex-encoded stream id.
func ParseStreamID(s string) (StreamID, error) {
	var id StreamID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return StreamID{}, Error.New("invalid stream id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// ChunkID identifies a chunk within a stream: "<stream-id>-<sequence>".
// It is caller-chosen on put but must match the id alphabet.
type ChunkID string

// NewChunkID builds a chunk id from a stream id and sequence number.
func NewChunkID(stream StreamID, seq int64) ChunkID {
	return ChunkID(fmt.Sprintf("%s-%d", stream, seq))
}

// Validate reports whether the id satisfies the 1-64 byte
// alphanumeric/underscore/hyphen alphabet required by the storage
// node's put path.
func (c ChunkID) Validate() error {
	if !idPattern.MatchString(string(c)) {
		return Error.New("invalid chunk id %q", string(c))
	}
	return nil
}

func (c ChunkID) String() string { return string(c) }

// NodeID is an opaque node identity. It is never parsed to derive
// routing information; the node's URL is carried alongside it,
// verbatim, wherever routing is needed.
type NodeID string

func (n NodeID) String() string { return string(n) }

// ContentHash is a sha256 digest over a chunk's (or fragment's) bytes.
type ContentHash [sha256.Size]byte

// HashBytes computes the content hash of b.
func HashBytes(b []byte) ContentHash {
	return ContentHash(sha256.Sum256(b))
}

func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// Equal reports whether two hashes are identical.
func (h ContentHash) Equal(other ContentHash) bool { return h == other }

// MarshalText renders the hash as hex so JSON snapshots stay readable.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseContentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IsZero reports whether h is the zero value (no hash recorded/supplied).
func (h ContentHash) IsZero() bool { return h == ContentHash{} }

// ParseContentHash parses a hex-encoded sha256 digest.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return ContentHash{}, Error.New("invalid content hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}
