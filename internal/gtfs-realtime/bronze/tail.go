package bronze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Tail streams records of this log, written by any process, to fn. It first
// replays partitions on or after fromDate (all partitions when empty), then
// follows new files until ctx is cancelled. An error from fn stops the tail.
func (l *Log) Tail(ctx context.Context, fromDate string, fn func(Record) error) error {
	if err := os.MkdirAll(l.basePath, 0o755); err != nil {
		return fmt.Errorf("creating bronze base: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	t := &tailer{
		log:      l,
		watcher:  watcher,
		fromDate: fromDate,
		fn:       fn,
		seen:     make(map[RecordID]struct{}),
		watched:  make(map[string]struct{}),
	}

	// watch before scanning so nothing lands unobserved in between
	if err := watcher.Add(l.basePath); err != nil {
		return fmt.Errorf("watching %s: %w", l.basePath, err)
	}

	partitions, err := l.Partitions()
	if err != nil {
		return err
	}
	for _, date := range partitions {
		if err := t.openPartition(date); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("Bronze watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if err := t.handle(ev); err != nil {
				return err
			}
		}
	}
}

type tailer struct {
	log      *Log
	watcher  *fsnotify.Watcher
	fromDate string
	fn       func(Record) error
	seen     map[RecordID]struct{}
	watched  map[string]struct{}
	newest   string
}

func (t *tailer) handle(ev fsnotify.Event) error {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
		return nil
	}

	name := filepath.Base(ev.Name)
	parent := filepath.Dir(ev.Name)

	if filepath.Clean(parent) == filepath.Clean(t.log.basePath) {
		if date, ok := partitionOf(name); ok {
			return t.openPartition(date)
		}
		return nil
	}

	if strings.HasPrefix(name, tempPrefix) {
		return nil
	}
	date, ok := partitionOf(filepath.Base(parent))
	if !ok || !t.wanted(date) {
		return nil
	}
	if _, _, ok := t.log.parseName(name); !ok {
		return nil
	}
	return t.deliver(RecordID(partitionPrefix + date + "/" + name))
}

func (t *tailer) wanted(date string) bool {
	return t.fromDate == "" || date >= t.fromDate
}

// openPartition starts watching a partition and replays what it already holds.
func (t *tailer) openPartition(date string) error {
	if !t.wanted(date) {
		return nil
	}
	if _, ok := t.watched[date]; !ok {
		dir := filepath.Join(t.log.basePath, partitionPrefix+date)
		if err := t.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		t.watched[date] = struct{}{}
	}
	if date > t.newest {
		t.newest = date
		t.prune()
	}

	refs, err := t.log.list(date)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := t.deliver(ref.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *tailer) deliver(id RecordID) error {
	if _, ok := t.seen[id]; ok {
		return nil
	}
	rec, err := t.log.Load(id)
	if err != nil {
		// a rename event for a file that has since vanished is not fatal
		t.log.logger.Warn("Skipping unreadable bronze record", "record_id", string(id), "error", err)
		return nil
	}
	t.seen[id] = struct{}{}
	return t.fn(rec)
}

// prune forgets delivered records of partitions older than the newest one
// opened, so seen stays bounded by one day of records. A late write into an
// older partition may be delivered twice; Silver writes are idempotent.
func (t *tailer) prune() {
	for id := range t.seen {
		if date, ok := recordPartition(id); ok && date < t.newest {
			delete(t.seen, id)
		}
	}
}

func recordPartition(id RecordID) (string, bool) {
	dir, _, ok := strings.Cut(string(id), "/")
	if !ok {
		return "", false
	}
	return partitionOf(dir)
}
