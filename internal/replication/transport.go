package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
)

const batchExt = ".json"

// FileTransport writes batches to the local outbox and reads peer outboxes.
// Batch files are written under a temporary name and renamed into place, so
// readers never see a partial batch.
type FileTransport struct {
	dir    string
	ids    *observation.BatchIDGenerator
	now    func() time.Time
	logger *logging.Logger
}

// TransportOption configures a FileTransport.
type TransportOption func(*FileTransport)

// WithTransportClock sets the clock used for batch ids, timestamps and ages.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *FileTransport) {
		if now != nil {
			t.now = now
		}
	}
}

// WithTransportLogger sets the logger for skipped or unreadable batches.
func WithTransportLogger(logger *logging.Logger) TransportOption {
	return func(t *FileTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewFileTransport creates the outbox directory if needed.
func NewFileTransport(dir string, opts ...TransportOption) (*FileTransport, error) {
	if dir == "" {
		return nil, errors.New("outbox path is required")
	}
	t := &FileTransport{dir: dir, now: time.Now, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	t.ids = observation.NewBatchIDGenerator(t.now)
	t.logger = t.logger.Named("transport")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}
	return t, nil
}

// Dir is the local outbox directory.
func (t *FileTransport) Dir() string {
	return t.dir
}

// WriteToOutbox writes observations as one batch and returns its id.
// An empty list writes nothing and returns "".
func (t *FileTransport) WriteToOutbox(ctx context.Context, observations []*observation.Observation) (string, error) {
	if len(observations) == 0 {
		return "", nil
	}
	batch := &observation.Batch{
		ID:           t.ids.Next(),
		CreatedAt:    t.now().UTC(),
		Observations: observations,
	}
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode batch: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(t.dir, batch.ID+batchExt), data); err != nil {
		return "", err
	}
	t.logger.Debug(logging.WithBatchID(ctx, batch.ID), "batch written",
		zap.Int("observations", len(observations)))
	return batch.ID, nil
}

// ReadFromPeerOutbox returns the batches in dir sorting after afterBatchID,
// oldest first. Batch ids are time-prefixed, so a cursor keeps working after
// the batch it names has been cleaned up. Unreadable files are skipped.
// A missing directory yields no batches.
func (t *FileTransport) ReadFromPeerOutbox(ctx context.Context, dir, afterBatchID string) ([]*observation.Batch, error) {
	ids, err := listBatchIDs(dir)
	if err != nil {
		return nil, err
	}

	var batches []*observation.Batch
	for _, id := range ids {
		if afterBatchID != "" && id <= afterBatchID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		batch, err := readBatch(filepath.Join(dir, id+batchExt))
		if err != nil {
			t.logger.Warn(ctx, "skipping unreadable batch",
				zap.String("dir", dir), zap.String("batch", id), zap.Error(err))
			continue
		}
		if batch.ID == "" {
			batch.ID = id
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// CleanupOldBatches removes outbox batches created more than maxAge ago and
// returns how many were removed. Delivery to peers is not considered.
func (t *FileTransport) CleanupOldBatches(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := listBatchIDs(t.dir)
	if err != nil {
		return 0, err
	}
	cutoff := t.now().Add(-maxAge)
	cleaned := 0
	for _, id := range ids {
		path := filepath.Join(t.dir, id+batchExt)
		created, err := batchCreatedAt(path)
		if err != nil {
			t.logger.Warn(ctx, "failed to check batch age", zap.String("batch", id), zap.Error(err))
			continue
		}
		if !created.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.logger.Warn(ctx, "failed to remove old batch", zap.String("batch", id), zap.Error(err))
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		t.logger.Info(ctx, "removed old outbox batches", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// ListBatches returns the ids in the local outbox, oldest first.
func (t *FileTransport) ListBatches() ([]string, error) {
	return listBatchIDs(t.dir)
}

func listBatchIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, batchExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, batchExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func readBatch(path string) (*observation.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch observation.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	return &batch, nil
}

// batchCreatedAt reads created_at, falling back to the file's mtime when the
// batch cannot be parsed.
func batchCreatedAt(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	var header struct {
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &header); err == nil && !header.CreatedAt.IsZero() {
		return header.CreatedAt, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// writeFileAtomic writes data to a hidden temporary file, syncs it and
// renames it to path.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp."+randomSuffix())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create batch file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write batch file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync batch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close batch file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize batch file: %w", err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
