// Package audit persists the Control Layer's security-audit event stream.
//
// Events (authentication, authorization, control_executed, control_blocked,
// control_failed, safety_transition, config_change) are written as one JSON
// object per line to the configured sink (stdout or file), and additionally
// appended to a BoltDB ledger bucket so audit history survives a restart.
// Raw telemetry is never persisted — only this event stream.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   fixed-width UTC RFC 3339 timestamp with nanoseconds + "_" +
//	           monotonic sequence, sortable
//	    value: JSON-encoded Event
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	schemaVersion        = "1"
	defaultRetentionDays = 30

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// Event is a single append-only audit record, per spec §3/§4.10.
type Event struct {
	TimestampISO string                 `json:"timestamp_iso"`
	EventType    string                 `json:"event_type"`
	Severity     string                 `json:"severity"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Known event types, per spec §4.10.
const (
	EventAuthentication   = "authentication"
	EventAuthorization    = "authorization"
	EventControlExecuted  = "control_executed"
	EventControlBlocked   = "control_blocked"
	EventControlFailed    = "control_failed"
	EventSafetyTransition = "safety_transition"
	EventConfigChange     = "config_change"
)

// Severity levels used across events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Ledger is the durable audit sink: a line-delimited JSON writer plus a
// BoltDB-backed ledger for recovery across restarts.
type Ledger struct {
	db            *bolt.DB
	sink          io.Writer
	retentionDays int
	seq           uint64
}

// Open opens (or creates) the BoltDB ledger at path and wires sink as the
// line-delimited JSON writer (typically os.Stdout or a log file).
// retentionDays <= 0 uses defaultRetentionDays.
func Open(path string, retentionDays int, sink io.Writer) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, sink: sink, retentionDays: retentionDays}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: initialise buckets: %w", err)
	}

	return l, nil
}

// Close closes the underlying BoltDB file. The line-delimited sink, if it
// implements io.Closer, is left to the caller to close.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends an audit event to both the JSON-lines sink and the BoltDB
// ledger. A failure to write the ledger is returned; the sink write is
// best-effort and never blocks a caller on disk trouble beyond one write.
func (l *Ledger) Record(eventType, severity, actor, action string, context map[string]interface{}) error {
	evt := Event{
		TimestampISO: time.Now().UTC().Format(time.RFC3339Nano),
		EventType:    eventType,
		Severity:     severity,
		Actor:        actor,
		Action:       action,
		Context:      context,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	if l.sink != nil {
		_, _ = l.sink.Write(append(data, '\n'))
	}

	key := ledgerKey(time.Now().UTC(), atomic.AddUint64(&l.seq, 1))
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
}

// ledgerKey builds a lexicographically sortable key from a timestamp and a
// monotonic sequence number, so concurrent events in the same nanosecond
// still sort in append order.
func ledgerKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

// PruneOld deletes ledger entries older than the configured retention
// period. Returns the number of entries deleted.
func (l *Ledger) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := append([]byte(nil), k...)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns every ledger entry in chronological order. Operational use
// only (CLI/debug inspection); never on the hot path.
func (l *Ledger) ReadAll() ([]Event, error) {
	var events []Event
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}
