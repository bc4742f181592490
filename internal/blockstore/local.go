package blockstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metrics"
)

// Block files carry a fixed header: one compression tag byte followed by
// the uncompressed size as 8 little-endian bytes. The payload follows.
// The tag values are format constants.
const (
	compressionNone byte = 0
	compressionZstd byte = 1

	blockHeaderLen = 9
)

// LocalConfig holds local block repo settings.
type LocalConfig struct {
	// RepoPath is the repo root; blocks live under <RepoPath>/blocks.
	RepoPath string

	// Compress enables zstd compression for blocks that shrink.
	Compress bool

	Mode Mode
}

// Local is a Store backed by a sharded directory tree on the local
// filesystem. Writes go to a temp file renamed into place, so a crash
// leaves at most a stray temp file, never a partial block.
type Local struct {
	repoPath string
	compress bool
	mode     Mode
	ready    atomic.Bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewLocal creates a local block store. The repo is not touched until
// Initialize.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeIsolated
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Local{
		repoPath: cfg.RepoPath,
		compress: cfg.Compress,
		mode:     mode,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Initialize creates the repo directory layout and marks the store ready.
func (s *Local) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	blocksDir := filepath.Join(s.repoPath, "blocks")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return fmt.Errorf("create block repo: %w", err)
	}

	info, err := os.Stat(blocksDir)
	if err != nil {
		return fmt.Errorf("stat block repo: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("block repo %s is not a directory", blocksDir)
	}

	s.ready.Store(true)
	metrics.SetBlockStoreReady(true)
	logging.Info("block store initialized",
		zap.String("backend", "local"),
		zap.String("repo", s.repoPath),
		zap.String("mode", string(s.mode)),
		zap.Bool("compress", s.compress),
	)
	return nil
}

// Ready reports whether Initialize has succeeded.
func (s *Local) Ready() bool { return s.ready.Load() }

func (s *Local) blockPath(cid CID) string {
	digest := cid.Hex()
	return filepath.Join(s.repoPath, "blocks", digest[:2], digest+".blk")
}

// Put stores the content read from r and returns its CID and size.
// Identical content is written once; later puts return the same CID
// without touching the block file.
func (s *Local) Put(ctx context.Context, r io.Reader) (CID, int64, error) {
	start := time.Now()
	if !s.ready.Load() {
		return "", 0, fserr.New(fserr.KindStorageUnavailable, "block.put", "")
	}
	if err := ctx.Err(); err != nil {
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", "", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", "", err)
	}
	cid := SumCID(data)
	size := int64(len(data))

	path := s.blockPath(cid)
	if _, err := os.Stat(path); err == nil {
		metrics.RecordBlockWrite(size, time.Since(start), true)
		return cid, size, nil
	} else if !os.IsNotExist(err) {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", cid.String(), err)
	}

	tag := compressionNone
	payload := data
	if s.compress {
		compressed := s.encoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			tag = compressionZstd
			payload = compressed
		}
	}

	if err := s.writeBlock(path, tag, size, payload); err != nil {
		metrics.RecordBlockWrite(0, time.Since(start), false)
		return "", 0, fserr.Wrap(fserr.KindInternal, "block.put", cid.String(), err)
	}

	metrics.RecordBlockWrite(size, time.Since(start), true)
	logging.Debug("block stored",
		zap.String("cid", cid.String()),
		zap.Int64("size", size),
		zap.Bool("compressed", tag == compressionZstd),
	)
	return cid, size, nil
}

func (s *Local) writeBlock(path string, tag byte, size int64, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	// Temp file in the shard dir so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".quince-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	var header [blockHeaderLen]byte
	header[0] = tag
	binary.LittleEndian.PutUint64(header[1:], uint64(size))

	if _, err := tmp.Write(header[:]); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Get returns the content of a block.
func (s *Local) Get(ctx context.Context, cid CID) (io.ReadCloser, error) {
	start := time.Now()
	if !s.ready.Load() {
		return nil, fserr.New(fserr.KindStorageUnavailable, "block.get", cid.String())
	}
	if err := ctx.Err(); err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "block.get", cid.String(), err)
	}

	raw, err := os.ReadFile(s.blockPath(cid))
	if err != nil {
		metrics.RecordBlockRead(0, time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, fserr.New(fserr.KindNotFound, "block.get", cid.String())
		}
		return nil, fserr.Wrap(fserr.KindInternal, "block.get", cid.String(), err)
	}

	data, err := s.decodeBlock(cid, raw)
	if err != nil {
		metrics.RecordBlockRead(0, time.Since(start), false)
		return nil, fserr.Wrap(fserr.KindInternal, "block.get", cid.String(), err)
	}

	metrics.RecordBlockRead(int64(len(data)), time.Since(start), true)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Local) decodeBlock(cid CID, raw []byte) ([]byte, error) {
	if len(raw) < blockHeaderLen {
		return nil, fmt.Errorf("block %s: truncated header", cid)
	}
	tag := raw[0]
	size := int64(binary.LittleEndian.Uint64(raw[1:blockHeaderLen]))
	payload := raw[blockHeaderLen:]

	switch tag {
	case compressionNone:
		if int64(len(payload)) != size {
			return nil, fmt.Errorf("block %s: size %d does not match header %d", cid, len(payload), size)
		}
		return payload, nil
	case compressionZstd:
		data, err := s.decoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("block %s: zstd decompress: %w", cid, err)
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("block %s: decompressed %d bytes, header says %d", cid, len(data), size)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("block %s: unknown compression tag %d", cid, tag)
	}
}

// Has reports whether a block is present.
func (s *Local) Has(ctx context.Context, cid CID) (bool, error) {
	if !s.ready.Load() {
		return false, fserr.New(fserr.KindStorageUnavailable, "block.has", cid.String())
	}
	if err := ctx.Err(); err != nil {
		return false, fserr.Wrap(fserr.KindInternal, "block.has", cid.String(), err)
	}

	_, err := os.Stat(s.blockPath(cid))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fserr.Wrap(fserr.KindInternal, "block.has", cid.String(), err)
	}
	return true, nil
}

// Stats describes the store.
func (s *Local) Stats() Stats {
	return Stats{Backend: "local", Mode: s.mode, Ready: s.ready.Load()}
}

// Walk visits every block in the repo with its uncompressed size. It
// exists so an external reclamation sweep can enumerate stored blocks;
// the store itself never deletes content.
func (s *Local) Walk(fn func(cid CID, size int64) error) error {
	blocksDir := filepath.Join(s.repoPath, "blocks")
	return filepath.WalkDir(blocksDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".blk" {
			return nil
		}
		name := d.Name()
		cid, err := ParseCID(cidPrefix + name[:len(name)-len(".blk")])
		if err != nil {
			return nil // stray file, skip
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		var header [blockHeaderLen]byte
		_, rerr := io.ReadFull(f, header[:])
		f.Close()
		if rerr != nil {
			return nil
		}
		return fn(cid, int64(binary.LittleEndian.Uint64(header[1:])))
	})
}

// Shutdown marks the store unavailable and releases the compressors.
func (s *Local) Shutdown(context.Context) error {
	s.ready.Store(false)
	metrics.SetBlockStoreReady(false)
	s.encoder.Close()
	s.decoder.Close()
	return nil
}
