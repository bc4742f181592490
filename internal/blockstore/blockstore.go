// Package blockstore provides content-addressed block storage. Blocks are
// immutable byte sequences identified by the BLAKE3-256 digest of their
// content; storing the same bytes twice yields the same CID and writes
// nothing new.
package blockstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/quincecloud/quince/internal/fserr"
)

// CID is a content identifier: "b3:" followed by the lowercase hex
// BLAKE3-256 digest of the block content.
type CID string

const cidPrefix = "b3:"

// SumCID computes the CID of a byte slice.
func SumCID(data []byte) CID {
	sum := blake3.Sum256(data)
	return CID(cidPrefix + hex.EncodeToString(sum[:]))
}

// ParseCID validates a CID string.
func ParseCID(s string) (CID, error) {
	digest, ok := strings.CutPrefix(s, cidPrefix)
	if !ok {
		return "", fmt.Errorf("cid %q: missing %q prefix", s, cidPrefix)
	}
	if len(digest) != 64 {
		return "", fmt.Errorf("cid %q: digest must be 64 hex characters", s)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("cid %q: %w", s, err)
	}
	return CID(s), nil
}

// Hex returns the digest portion of the CID without the prefix.
func (c CID) Hex() string { return strings.TrimPrefix(string(c), cidPrefix) }

func (c CID) String() string { return string(c) }

// Mode is the reachability mode the store was started with. It describes
// whether content may be advertised to the peer layer; the store itself
// behaves identically either way.
type Mode string

const (
	ModeIsolated     Mode = "isolated"
	ModeDiscoverable Mode = "discoverable"
)

// ParseMode validates a reachability mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeIsolated, ModeDiscoverable:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("reachability mode %q: must be %q or %q", s, ModeIsolated, ModeDiscoverable)
	}
}

// Stats describes the store for the node-info endpoint.
type Stats struct {
	Backend string `json:"backend"`
	Mode    Mode   `json:"mode"`
	Ready   bool   `json:"ready"`
}

// Store is the content-addressed block store contract.
//
// Put reads the full content, returns its CID and size, and is idempotent.
// Get returns the content for a CID, or a NotFound error if the block is
// absent. Initialize prepares the backing storage; until it succeeds every
// Put/Get/Has fails fast with a StorageUnavailable error and Ready reports
// false. Shutdown releases resources; operations after Shutdown fail with
// StorageUnavailable.
type Store interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Put(ctx context.Context, r io.Reader) (CID, int64, error)
	Get(ctx context.Context, cid CID) (io.ReadCloser, error)
	Has(ctx context.Context, cid CID) (bool, error)
	Stats() Stats
	Shutdown(ctx context.Context) error
}

// Unavailable is a Store whose backing storage never becomes ready. The
// node uses it when configured metadata-only or when the real store fails
// to initialize and the node falls back to running without content.
type Unavailable struct {
	mode Mode
}

// NewUnavailable returns a Store that fails every content operation.
func NewUnavailable(mode Mode) *Unavailable {
	return &Unavailable{mode: mode}
}

func (u *Unavailable) Initialize(context.Context) error { return nil }

func (u *Unavailable) Ready() bool { return false }

func (u *Unavailable) Put(context.Context, io.Reader) (CID, int64, error) {
	return "", 0, fserr.New(fserr.KindStorageUnavailable, "block.put", "")
}

func (u *Unavailable) Get(_ context.Context, cid CID) (io.ReadCloser, error) {
	return nil, fserr.New(fserr.KindStorageUnavailable, "block.get", cid.String())
}

func (u *Unavailable) Has(_ context.Context, cid CID) (bool, error) {
	return false, fserr.New(fserr.KindStorageUnavailable, "block.has", cid.String())
}

func (u *Unavailable) Stats() Stats {
	return Stats{Backend: "none", Mode: u.mode, Ready: false}
}

func (u *Unavailable) Shutdown(context.Context) error { return nil }
