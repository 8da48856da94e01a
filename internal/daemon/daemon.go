// Package daemon is the background scheduler for sync passes.
//
// The daemon:
//  1. Syncs every bound space on startup and then on a fixed interval
//  2. Watches the local database file and pushes shortly after local edits
//  3. Subscribes to each space's change notifications and pulls on change
//  4. Handles graceful shutdown
//
// Passes run one at a time. A failed pass is logged and retried on the next
// trigger; the engine itself never retries.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/remote"
	"github.com/graphnote/graphnote/internal/schema"
	"github.com/graphnote/graphnote/internal/syncer"
)

// Runner runs sync passes.
type Runner interface {
	SyncAll(ctx context.Context, userID string) ([]*syncer.Result, error)
	Pull(ctx context.Context, spaceID string) (*syncer.Result, error)
}

// SpaceLister lists the local spaces of a user.
type SpaceLister interface {
	ListSpaces(ctx context.Context, userID string) ([]*schema.Space, error)
}

// Subscriber opens a space's change notification stream.
type Subscriber interface {
	Subscribe(ctx context.Context, b schema.Binding) (<-chan remote.Event, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// UserID whose spaces are synced
	UserID string

	// Interval between full passes (default: 30s)
	Interval time.Duration

	// Debounce is how long local edits must settle before a pass, and how
	// long after a pass the daemon ignores its own writes (default: 500ms)
	Debounce time.Duration

	// WatchPath is the local database file. Empty disables watching.
	WatchPath string

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Debounce: 500 * time.Millisecond,
	}
}

// Daemon schedules sync passes.
type Daemon struct {
	runner     Runner
	spaces     SpaceLister
	subscriber Subscriber
	config     Config
	logger     *log.Logger

	watcher *fsnotify.Watcher

	// trigger carries a space id to pull, or "" for a full pass.
	trigger chan string

	changedAt   atomic.Int64 // unix nanos of the newest unprocessed local edit
	passing     atomic.Bool
	lastPassEnd atomic.Int64

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc

	passes atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. subscriber may be nil to disable change
// notifications.
func New(runner Runner, spaces SpaceLister, subscriber Subscriber, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if spaces == nil {
		return nil, fmt.Errorf("space lister cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", schema.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("daemon")
	}

	var watcher *fsnotify.Watcher
	if cfg.WatchPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:     runner,
		spaces:     spaces,
		subscriber: subscriber,
		config:     cfg,
		logger:     cfg.Logger,
		watcher:    watcher,
		trigger:    make(chan string, 16),
		subs:       make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", "user", d.config.UserID, "interval", d.config.Interval)

	if d.watcher != nil {
		dir := filepath.Dir(d.config.WatchPath)
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.logger.Debug("watching", "path", d.config.WatchPath)
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChanges()
	}

	d.wg.Add(2)
	go d.runLoop()
	go d.tickLoop()

	d.request("")

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for the running pass to finish.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.logger.Warn("error closing watcher", "err", err)
			}
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return nil
}

// Passes returns the number of completed passes.
func (d *Daemon) Passes() int64 {
	return d.passes.Load()
}

// RunOnce performs one full pass and refreshes change subscriptions.
func (d *Daemon) RunOnce(ctx context.Context) ([]*syncer.Result, error) {
	d.passing.Store(true)
	defer func() {
		d.lastPassEnd.Store(time.Now().UnixNano())
		d.passing.Store(false)
		d.passes.Add(1)
	}()

	results, err := d.runner.SyncAll(ctx, d.config.UserID)
	changed := 0
	for _, r := range results {
		if r.Changed() {
			changed++
		}
	}
	if err != nil {
		d.logger.Warn("sync pass failed", "spaces", len(results), "changed", changed, "err", err)
	} else {
		d.logger.Debug("sync pass complete", "spaces", len(results), "changed", changed)
	}

	if d.subscriber != nil {
		d.refreshSubscriptions(ctx)
	}
	return results, err
}

func (d *Daemon) pullOne(ctx context.Context, spaceID string) {
	d.passing.Store(true)
	defer func() {
		d.lastPassEnd.Store(time.Now().UnixNano())
		d.passing.Store(false)
		d.passes.Add(1)
	}()

	res, err := d.runner.Pull(ctx, spaceID)
	if err != nil {
		d.logger.Warn("pull after change notification failed", "space", spaceID, "err", err)
		return
	}
	d.logger.Debug("pulled after change notification", "space", spaceID, "created", res.Created, "updated", res.Updated)
}

// request queues a pass without blocking. Requests for a full pass
// coalesce while one is already queued.
func (d *Daemon) request(spaceID string) {
	select {
	case d.trigger <- spaceID:
	default:
	}
}

// runLoop executes queued passes one at a time.
func (d *Daemon) runLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case spaceID := <-d.trigger:
			if spaceID == "" {
				_, _ = d.RunOnce(d.ctx)
			} else {
				d.pullOne(d.ctx, spaceID)
			}
		}
	}
}

func (d *Daemon) tickLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.request("")
		}
	}
}

// watchFileEvents records writes to the database file and its WAL.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	base := filepath.Base(d.config.WatchPath)
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}
			if d.ownWrite() {
				continue
			}
			d.changedAt.Store(time.Now().UnixNano())

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "err", err)
		}
	}
}

// ownWrite reports whether a file event is probably caused by the daemon's
// own pass.
func (d *Daemon) ownWrite() bool {
	if d.passing.Load() {
		return true
	}
	return time.Since(time.Unix(0, d.lastPassEnd.Load())) < d.config.Debounce
}

// processChanges requests a pass once local edits have settled.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			at := d.changedAt.Load()
			if at == 0 || time.Since(time.Unix(0, at)) < d.config.Debounce {
				continue
			}
			if d.changedAt.CompareAndSwap(at, 0) {
				d.logger.Debug("local changes detected")
				d.request("")
			}
		}
	}
}

// refreshSubscriptions subscribes to every bound space that has no open
// stream.
func (d *Daemon) refreshSubscriptions(ctx context.Context) {
	spaces, err := d.spaces.ListSpaces(ctx, d.config.UserID)
	if err != nil {
		d.logger.Warn("failed to list spaces for subscriptions", "err", err)
		return
	}

	for _, space := range spaces {
		b, err := space.Binding()
		if err != nil {
			continue
		}

		d.subsMu.Lock()
		_, open := d.subs[space.ID]
		d.subsMu.Unlock()
		if open {
			continue
		}

		subCtx, cancel := context.WithCancel(d.ctx)
		events, err := d.subscriber.Subscribe(subCtx, b)
		if err != nil {
			cancel()
			d.logger.Debug("subscription failed", "space", space.ID, "err", err)
			continue
		}

		d.subsMu.Lock()
		d.subs[space.ID] = cancel
		d.subsMu.Unlock()

		d.wg.Add(1)
		go d.consume(space.ID, events, cancel)
	}
}

func (d *Daemon) consume(spaceID string, events <-chan remote.Event, cancel context.CancelFunc) {
	defer d.wg.Done()
	defer func() {
		cancel()
		d.subsMu.Lock()
		delete(d.subs, spaceID)
		d.subsMu.Unlock()
	}()

	for ev := range events {
		if ev.Type == remote.EventNodesChanged {
			d.request(spaceID)
		}
	}
	d.logger.Debug("subscription closed", "space", spaceID)
}
