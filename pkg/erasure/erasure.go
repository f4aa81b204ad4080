// Package erasure wraps github.com/vivint/infectious's Reed-Solomon
// FEC for whole-chunk encode/decode: split one in-memory chunk into
// N = K+M fragments, and rebuild the chunk from any K of them. Chunks
// are bounded (2 MiB) buffers, so there is no streaming variant.
package erasure

import (
	"github.com/vivint/infectious"
	"github.com/zeebo/errs"
)

// Error is the class for encode/decode failures.
var Error = errs.Class("erasure")

// Scheme encodes and reconstructs chunks using K data shards and M
// parity shards, any K of the resulting N = K+M fragments sufficing
// to reconstruct the original bytes.
type Scheme struct {
	K, M int
	fec  *infectious.FEC
}

// NewScheme builds a Scheme for the given (K, M) parameters.
func NewScheme(k, m int) (*Scheme, error) {
	fec, err := infectious.NewFEC(k, k+m)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Scheme{K: k, M: m, fec: fec}, nil
}

// Total returns N = K+M, the number of fragments Encode produces.
func (s *Scheme) Total() int { return s.K + s.M }

// Fragment is one erasure-coded piece, tagged with its index so
// Reconstruct can identify which of the N slots it fills.
type Fragment struct {
	Index int
	Data  []byte
}

// Encode splits data into s.Total() fragments. data's length must be a
// multiple of s.K; callers pad the chunk up to the next multiple of K
// bytes before encoding and record the original length separately (the
// chunk's recorded size in the manifest).
func (s *Scheme) Encode(data []byte) ([]Fragment, error) {
	out := make([]Fragment, s.Total())
	err := s.fec.Encode(data, func(sh infectious.Share) {
		out[sh.Number] = Fragment{Index: sh.Number, Data: append([]byte(nil), sh.Data...)}
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// Reconstruct rebuilds the original padded bytes from at least K
// fragments. Extra fragments beyond K are ignored by the underlying
// FEC. Reconstruct returns Error if fewer than K distinct fragments are
// supplied or the underlying decode fails (e.g. mismatched fragment
// sizes from corrupted input).
func (s *Scheme) Reconstruct(fragments []Fragment) ([]byte, error) {
	if len(fragments) < s.K {
		return nil, Error.New("need %d fragments, have %d", s.K, len(fragments))
	}
	shares := make([]infectious.Share, 0, len(fragments))
	for _, f := range fragments {
		shares = append(shares, infectious.Share{Number: f.Index, Data: f.Data})
	}
	decoded, err := s.fec.Decode(nil, shares)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return decoded, nil
}

// PadToBlockSize pads data with zero bytes so its length is a multiple
// of k, returning the padded buffer and the original length.
func PadToBlockSize(data []byte, k int) (padded []byte, originalLen int) {
	originalLen = len(data)
	rem := len(data) % k
	if rem == 0 {
		return data, originalLen
	}
	padded = make([]byte, len(data)+(k-rem))
	copy(padded, data)
	return padded, originalLen
}
