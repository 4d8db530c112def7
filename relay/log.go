package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/cqnotify/encoding"
	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEvent  = "/relay/ev/"  // /relay/ev/{16-digit-zero-padded-seq}
	prefixCursor = "/relay/cur/" // /relay/cur/{sinkName}
	keySeq       = "/relay/seq"  // next sequence
)

// Pebble configuration. Notification volume is far below CDC volume, so the
// memtable is kept small.
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

// ErrLogClosed is returned by operations on a closed log.
var ErrLogClosed = errors.New("notification log is closed")

// NotificationLog is a Pebble-backed append-only log of change events with
// per-sink cursors. Workers publish from it at least once.
type NotificationLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// appendMu serializes sequence assignment across concurrent appenders
	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenNotificationLog creates or opens a log at path.
func OpenNotificationLog(path string) (*NotificationLog, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification log at %s: %w", path, err)
	}

	nl := &NotificationLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := nl.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := nl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return nl, nil
}

func (nl *NotificationLog) loadNextSeq() error {
	val, closer, err := nl.db.Get([]byte(keySeq))
	if errors.Is(err, pebble.ErrNotFound) {
		nl.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	nl.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (nl *NotificationLog) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := nl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", sink, len(val))
		}
		nl.cursors[sink] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(nl.cursors) > 0 {
		log.Info().Int("cursors", len(nl.cursors)).Msg("Loaded notification log cursors")
	}
	return nil
}

// Append assigns sequence numbers to events (modifying the slice) and
// writes them in one synced batch.
func (nl *NotificationLog) Append(events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if nl.closed.Load() {
		return ErrLogClosed
	}

	nl.appendMu.Lock()
	defer nl.appendMu.Unlock()

	seq := nl.nextSeq.Load()

	batch := nl.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only publish the new sequence after a successful commit
	nl.nextSeq.Store(seq)
	telemetry.RelayLogAppended.Add(float64(len(events)))
	return nil
}

// LastSeq returns the highest assigned sequence number.
func (nl *NotificationLog) LastSeq() uint64 {
	return nl.nextSeq.Load()
}

// ReadFrom reads events after cursor, up to limit events.
func (nl *NotificationLog) ReadFrom(cursor uint64, limit int) ([]ChangeEvent, error) {
	if nl.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := eventKey(cursor + 1)
	iter, err := nl.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]ChangeEvent, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event ChangeEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable change event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// GetCursor returns the last published sequence for a sink, 0 for a new sink.
func (nl *NotificationLog) GetCursor(sinkName string) (uint64, error) {
	if nl.closed.Load() {
		return 0, ErrLogClosed
	}

	nl.cursorsMu.RLock()
	cursor, ok := nl.cursors[sinkName]
	nl.cursorsMu.RUnlock()
	if ok {
		return cursor, nil
	}
	return 0, nil
}

// Cursors returns a copy of every sink cursor.
func (nl *NotificationLog) Cursors() map[string]uint64 {
	nl.cursorsMu.RLock()
	defer nl.cursorsMu.RUnlock()

	out := make(map[string]uint64, len(nl.cursors))
	for k, v := range nl.cursors {
		out[k] = v
	}
	return out
}

// AdvanceCursor persists a sink's cursor and triggers cleanup periodically.
func (nl *NotificationLog) AdvanceCursor(sinkName string, seq uint64) error {
	if nl.closed.Load() {
		return ErrLogClosed
	}

	nl.cursorsMu.Lock()
	nl.cursors[sinkName] = seq
	nl.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := nl.db.Set([]byte(prefixCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 {
		if nl.cleanupRunning.CompareAndSwap(false, true) {
			nl.cleanupWg.Add(1)
			go nl.cleanupAsync()
		}
	}
	return nil
}

// cleanup deletes events every sink has already published.
func (nl *NotificationLog) cleanup() {
	nl.cleanupMu.Lock()
	defer nl.cleanupMu.Unlock()

	if nl.closed.Load() {
		return
	}

	nl.cursorsMu.RLock()
	if len(nl.cursors) == 0 {
		nl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range nl.cursors {
		if c < minCursor {
			minCursor = c
		}
	}
	nl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// Keep the event at minCursor itself; workers locate their start from it.
	if err := nl.db.DeleteRange([]byte(prefixEvent), eventKey(minCursor), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up notification log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up notification log")
}

func (nl *NotificationLog) cleanupAsync() {
	defer nl.cleanupWg.Done()
	defer nl.cleanupRunning.Store(false)
	nl.cleanup()
}

// Close waits for in-flight cleanup and closes the database.
func (nl *NotificationLog) Close() error {
	if !nl.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	nl.cleanupWg.Wait()
	return nl.db.Close()
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEvent, seq))
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
