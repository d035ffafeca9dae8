package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// errBlobMissing signals that a blob file is not on disk. The engine maps it
// to "entry absent" rather than surfacing it to callers.
var errBlobMissing = errors.New("blob missing")

// blobStore lays cached response bodies out on disk by content hash:
// blobs/<first-two-hex>/<full-hash>. Two entries with identical bodies share
// one file. Writes stage through a temp file in the shard directory and
// rename into place, so a crash leaves at worst a stray temp that the walk
// ignores, never a torn blob.
//
// Bodies are read and written whole. The pipeline only ever fulfills
// complete bodies, so there is no streaming surface here.
type blobStore struct {
	root string
}

func newBlobStore(cacheDir string) (*blobStore, error) {
	root := filepath.Join(cacheDir, "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &blobStore{root: root}, nil
}

// path returns the sharded file location for a hash.
func (b *blobStore) path(h edgeproxy.Hash) string {
	return filepath.Join(b.root, h.Dir(), h.String())
}

// write stores body under its hash. existed reports that an identical body
// was already on disk — the engine's dedup signal — in which case nothing is
// written.
func (b *blobStore) write(ctx context.Context, h edgeproxy.Hash, body []byte) (existed bool, err error) {
	start := time.Now()
	dst := b.path(h)

	if _, err := os.Stat(dst); err == nil {
		telemetry.RecordBackendOp(ctx, "blobs", "write", "exists", time.Since(start), 0)
		return true, nil
	}

	shard := filepath.Dir(dst)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		telemetry.RecordBackendOp(ctx, "blobs", "write", "error", time.Since(start), 0)
		return false, fmt.Errorf("creating blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(shard, h.ShortString()+".tmp.*")
	if err != nil {
		telemetry.RecordBackendOp(ctx, "blobs", "write", "error", time.Since(start), 0)
		return false, fmt.Errorf("staging blob %s: %w", h.ShortString(), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "blobs", "write", "error", time.Since(start), 0)
		return false, fmt.Errorf("staging blob %s: %w", h.ShortString(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "blobs", "write", "error", time.Since(start), 0)
		return false, fmt.Errorf("staging blob %s: %w", h.ShortString(), err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "blobs", "write", "error", time.Since(start), 0)
		return false, fmt.Errorf("committing blob %s: %w", h.ShortString(), err)
	}

	telemetry.RecordBackendOp(ctx, "blobs", "write", "success", time.Since(start), int64(len(body)))
	return false, nil
}

// read loads a blob body whole. Returns errBlobMissing when the file is
// absent.
func (b *blobStore) read(ctx context.Context, h edgeproxy.Hash) ([]byte, error) {
	start := time.Now()
	body, err := os.ReadFile(b.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			telemetry.RecordBackendOp(ctx, "blobs", "read", "not_found", time.Since(start), 0)
			return nil, errBlobMissing
		}
		telemetry.RecordBackendOp(ctx, "blobs", "read", "error", time.Since(start), 0)
		return nil, fmt.Errorf("reading blob %s: %w", h.ShortString(), err)
	}
	telemetry.RecordBackendOp(ctx, "blobs", "read", "success", time.Since(start), int64(len(body)))
	return body, nil
}

// remove unlinks a blob file. An absent file is not an error; a failed
// unlink is, so the caller can log it and leave the orphan for the next
// startup sweep.
func (b *blobStore) remove(ctx context.Context, h edgeproxy.Hash) error {
	start := time.Now()
	err := os.Remove(b.path(h))
	if err != nil && !os.IsNotExist(err) {
		telemetry.RecordBackendOp(ctx, "blobs", "delete", "error", time.Since(start), 0)
		return fmt.Errorf("unlinking blob %s: %w", h.ShortString(), err)
	}
	telemetry.RecordBackendOp(ctx, "blobs", "delete", "success", time.Since(start), 0)
	return nil
}

// exists reports whether the blob file is on disk.
func (b *blobStore) exists(h edgeproxy.Hash) bool {
	_, err := os.Stat(b.path(h))
	return err == nil
}

// walk enumerates every committed blob by reading the two-level shard layout
// directly. Names that do not parse as hashes — staging temps, stray
// droppings — are skipped, which is what makes the temp-file naming scheme
// safe without a cleanup pass here.
func (b *blobStore) walk(ctx context.Context) ([]edgeproxy.Hash, error) {
	start := time.Now()
	shards, err := os.ReadDir(b.root)
	if err != nil {
		telemetry.RecordBackendOp(ctx, "blobs", "walk", "error", time.Since(start), 0)
		return nil, fmt.Errorf("listing blob shards: %w", err)
	}

	var hashes []edgeproxy.Hash
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.root, shard.Name()))
		if err != nil {
			telemetry.RecordBackendOp(ctx, "blobs", "walk", "error", time.Since(start), 0)
			return nil, fmt.Errorf("listing blob shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			h, err := edgeproxy.ParseHash(f.Name())
			if err != nil {
				continue
			}
			hashes = append(hashes, h)
		}
	}

	telemetry.RecordBackendOp(ctx, "blobs", "walk", "success", time.Since(start), 0)
	return hashes, nil
}

// writeFileAtomic writes a snapshot file via <path>.tmp.<suffix> then
// rename. The index and alias-index snapshots go through here so a crash
// mid-flush can never leave a half-written JSON document behind.
func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	start := time.Now()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		telemetry.RecordBackendOp(ctx, "snapshot", "write", "error", time.Since(start), 0)
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "snapshot", "write", "error", time.Since(start), 0)
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "snapshot", "write", "error", time.Since(start), 0)
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		telemetry.RecordBackendOp(ctx, "snapshot", "write", "error", time.Since(start), 0)
		return fmt.Errorf("committing %s: %w", filepath.Base(path), err)
	}

	telemetry.RecordBackendOp(ctx, "snapshot", "write", "success", time.Since(start), int64(len(data)))
	return nil
}
