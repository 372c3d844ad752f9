// Package bronze is the append-only store of decoded feed snapshots.
//
// Records live under <base>/dt=<YYYY-MM-DD>/<message>_<epoch>.json. A second
// record for the same message in the same second gets a -<n> suffix. The file
// modification time holds the ingestion timestamp.
package bronze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
)

const (
	DateLayout      = "2006-01-02"
	partitionPrefix = "dt="
	tempPrefix      = ".tmp-"
)

// ErrNotFound is returned by Load for an unknown record.
var ErrNotFound = errors.New("bronze record not found")

// RecordID is the record's path relative to the log base, e.g.
// "dt=2025-01-01/vehicle_positions_1735718400.json".
type RecordID string

type Record struct {
	ID            RecordID
	MessageName   string
	PartitionDate string
	ArrivalEpoch  int64
	// Seq is the same-second collision counter, 0 for the first record.
	Seq        int
	IngestedAt time.Time
	Document   *decoder.Document
}

// Announcer is told about every durable append.
type Announcer interface {
	Announce(ctx context.Context, rec Record) error
}

type Option func(*Log)

func WithAnnouncer(a Announcer) Option {
	return func(l *Log) {
		l.announcer = a
	}
}

// Log is one message type's view of the Bronze store. Appends are serialised;
// reads need no locking because files are never rewritten.
type Log struct {
	basePath    string
	messageName string
	logger      logger.Logger
	announcer   Announcer

	mu      sync.Mutex
	subs    map[int]chan Record
	nextSub int
	dropped int64
}

func NewLog(basePath, messageName string, log logger.Logger, opts ...Option) *Log {
	l := &Log{
		basePath:    basePath,
		messageName: messageName,
		logger:      log,
		subs:        make(map[int]chan Record),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) MessageName() string {
	return l.messageName
}

func (l *Log) BasePath() string {
	return l.basePath
}

// PartitionDate formats t as a partition key in UTC.
func PartitionDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Append persists doc in the given partition and returns its id. The record
// becomes visible atomically.
func (l *Log) Append(ctx context.Context, doc *decoder.Document, partitionDate string, ingestedAt time.Time) (RecordID, error) {
	if _, err := time.Parse(DateLayout, partitionDate); err != nil {
		return "", fmt.Errorf("invalid partition date %q: %w", partitionDate, err)
	}

	data, err := decoder.EncodeJSON(doc)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	rec, err := l.write(data, partitionDate, ingestedAt)
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	rec.Document = doc

	l.publish(rec)

	if l.announcer != nil {
		if err := l.announcer.Announce(ctx, rec); err != nil {
			l.logger.Warn("Failed to announce bronze record", "record_id", string(rec.ID), "error", err)
		}
	}

	return rec.ID, nil
}

func (l *Log) write(data []byte, partitionDate string, ingestedAt time.Time) (Record, error) {
	dir := filepath.Join(l.basePath, partitionPrefix+partitionDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("creating partition: %w", err)
	}

	epoch := ingestedAt.Unix()
	seq := 0
	name := l.fileName(epoch, seq)
	for {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return Record{}, fmt.Errorf("checking %s: %w", name, err)
		}
		seq++
		name = l.fileName(epoch, seq)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return Record{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return Record{}, fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return Record{}, fmt.Errorf("syncing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return Record{}, fmt.Errorf("closing record: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return Record{}, fmt.Errorf("chmod record: %w", err)
	}
	if err := os.Chtimes(tmpPath, ingestedAt, ingestedAt); err != nil {
		cleanup()
		return Record{}, fmt.Errorf("stamping ingestion time: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		cleanup()
		return Record{}, fmt.Errorf("publishing record: %w", err)
	}

	return Record{
		ID:            RecordID(partitionPrefix + partitionDate + "/" + name),
		MessageName:   l.messageName,
		PartitionDate: partitionDate,
		ArrivalEpoch:  epoch,
		Seq:           seq,
		IngestedAt:    ingestedAt.UTC(),
	}, nil
}

func (l *Log) fileName(epoch int64, seq int) string {
	if seq == 0 {
		return fmt.Sprintf("%s_%d.json", l.messageName, epoch)
	}
	return fmt.Sprintf("%s_%d-%d.json", l.messageName, epoch, seq)
}

var recordName = regexp.MustCompile(`^(\d+)(?:-(\d+))?\.json$`)

// parseName extracts epoch and sequence from a file name of this log.
func (l *Log) parseName(name string) (epoch int64, seq int, ok bool) {
	rest, found := strings.CutPrefix(name, l.messageName+"_")
	if !found {
		return 0, 0, false
	}
	m := recordName.FindStringSubmatch(rest)
	if m == nil {
		return 0, 0, false
	}
	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		if seq, err = strconv.Atoi(m[2]); err != nil {
			return 0, 0, false
		}
	}
	return epoch, seq, true
}

// Read returns every record of a partition in write order.
func (l *Log) Read(partitionDate string) ([]Record, error) {
	refs, err := l.list(partitionDate)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(refs))
	for _, ref := range refs {
		rec, err := l.Load(ref.ID)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// List returns the record headers of a partition in write order without
// loading documents.
func (l *Log) List(partitionDate string) ([]Record, error) {
	return l.list(partitionDate)
}

func (l *Log) list(partitionDate string) ([]Record, error) {
	dir := filepath.Join(l.basePath, partitionPrefix+partitionDate)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing partition %s: %w", partitionDate, err)
	}

	var refs []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		epoch, seq, ok := l.parseName(e.Name())
		if !ok {
			continue
		}
		refs = append(refs, Record{
			ID:            RecordID(partitionPrefix + partitionDate + "/" + e.Name()),
			MessageName:   l.messageName,
			PartitionDate: partitionDate,
			ArrivalEpoch:  epoch,
			Seq:           seq,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ArrivalEpoch != refs[j].ArrivalEpoch {
			return refs[i].ArrivalEpoch < refs[j].ArrivalEpoch
		}
		return refs[i].Seq < refs[j].Seq
	})
	return refs, nil
}

// Load reads a single record by id.
func (l *Log) Load(id RecordID) (Record, error) {
	dirName, fileName, found := strings.Cut(string(id), "/")
	partitionDate, isPartition := strings.CutPrefix(dirName, partitionPrefix)
	if !found || !isPartition || strings.Contains(fileName, "/") {
		return Record{}, fmt.Errorf("malformed record id %q", id)
	}
	epoch, seq, ok := l.parseName(fileName)
	if !ok {
		return Record{}, fmt.Errorf("record %q does not belong to %s", id, l.messageName)
	}

	path := filepath.Join(l.basePath, dirName, fileName)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("stat %s: %w", id, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading %s: %w", id, err)
	}
	doc, err := decoder.DecodeJSON(data)
	if err != nil {
		return Record{}, fmt.Errorf("loading %s: %w", id, err)
	}

	return Record{
		ID:            id,
		MessageName:   l.messageName,
		PartitionDate: partitionDate,
		ArrivalEpoch:  epoch,
		Seq:           seq,
		IngestedAt:    info.ModTime().UTC(),
		Document:      doc,
	}, nil
}

// Partitions lists partition dates in ascending order.
func (l *Log) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		date, ok := partitionOf(e.Name())
		if ok {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func partitionOf(dirName string) (string, bool) {
	date, ok := strings.CutPrefix(dirName, partitionPrefix)
	if !ok {
		return "", false
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return "", false
	}
	return date, true
}

// Subscribe delivers records appended by this process from now on. The
// returned func unsubscribes and closes the channel. A subscriber that falls
// more than buffer records behind misses records; Read recovers them.
func (l *Log) Subscribe(buffer int) (<-chan Record, func()) {
	ch := make(chan Record, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) publish(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			l.dropped++
			l.logger.Warn("Bronze subscriber is full, dropping notification", "record_id", string(rec.ID))
		}
	}
}

// Dropped counts notifications lost to slow subscribers.
func (l *Log) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
