package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize outbox watcher")

// OutboxWatcher calls onBatch whenever a batch file appears in a watched
// peer outbox, so a peer's new batch is imported before the next regular cycle.
type OutboxWatcher struct {
	watcher *fsnotify.Watcher
	onBatch func(dir, batchID string)
	logger  *logging.Logger

	mu   sync.Mutex
	dirs []string
	done chan struct{}
	wg   sync.WaitGroup
}

// NewOutboxWatcher watches dirs. Missing directories are created so peers
// that have not written yet can still be watched.
func NewOutboxWatcher(dirs []string, onBatch func(dir, batchID string), logger *logging.Logger) (*OutboxWatcher, error) {
	if onBatch == nil {
		return nil, errors.New("outbox watcher requires a callback")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	ow := &OutboxWatcher{
		watcher: w,
		onBatch: onBatch,
		logger:  logger.Named("watcher"),
		done:    make(chan struct{}),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			w.Close()
			return nil, fmt.Errorf("creating peer outbox %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		ow.dirs = append(ow.dirs, filepath.Clean(dir))
	}
	return ow, nil
}

// Dirs returns the watched directories.
func (ow *OutboxWatcher) Dirs() []string {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	return append([]string(nil), ow.dirs...)
}

// Start processes filesystem events until ctx is done or Close is called.
func (ow *OutboxWatcher) Start(ctx context.Context) {
	ow.wg.Add(1)
	go func() {
		defer ow.wg.Done()
		ow.run(ctx)
	}()
}

func (ow *OutboxWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ow.done:
			return
		case event, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			ow.handle(ctx, event)
		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			ow.logger.Warn(ctx, "outbox watcher error", zap.Error(err))
		}
	}
}

func (ow *OutboxWatcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, batchExt) {
		return
	}
	batchID := strings.TrimSuffix(name, batchExt)
	ow.logger.Debug(ctx, "peer batch detected",
		zap.String("dir", filepath.Dir(event.Name)), zap.String("batch", batchID))
	ow.onBatch(filepath.Dir(event.Name), batchID)
}

// Close stops the event loop and releases the watcher.
func (ow *OutboxWatcher) Close() error {
	ow.mu.Lock()
	select {
	case <-ow.done:
		ow.mu.Unlock()
		return nil
	default:
		close(ow.done)
	}
	ow.mu.Unlock()

	err := ow.watcher.Close()
	ow.wg.Wait()
	return err
}
