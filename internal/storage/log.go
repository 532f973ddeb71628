package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
	"go.uber.org/zap"
)

// RecordKind identifies what a log record mutates.
type RecordKind string

const (
	KindObservation RecordKind = "observation"
	KindStatus      RecordKind = "status"
	KindGroup       RecordKind = "group"
	KindVector      RecordKind = "vector"
	KindImpact      RecordKind = "impact"
	KindCursor      RecordKind = "cursor"
	KindExport      RecordKind = "export"
)

// OriginLocal marks observations produced by this node.
const OriginLocal = "local"

// StatusChange is a status/confidence transition of one observation.
type StatusChange struct {
	ObservationID string             `json:"observation_id"`
	Status        observation.Status `json:"status"`
	Confidence    *float64           `json:"confidence,omitempty"`
	Confirmations *int               `json:"confirmations,omitempty"`
	Agents        []string           `json:"confirming_agents,omitempty"`
}

// VectorRef links an observation to its point in the similarity index.
type VectorRef struct {
	ObservationID string `json:"observation_id"`
	VectorID      string `json:"vector_id"`
}

// ImpactChange replaces an observation's impact reports and stats.
type ImpactChange struct {
	ObservationID string                     `json:"observation_id"`
	Reports       []observation.ImpactReport `json:"reports"`
	Stats         observation.ImpactStats    `json:"stats"`
}

// ExportMarker records that everything logged before it has been written to the outbox.
type ExportMarker struct {
	BatchID string `json:"batch_id"`
	Count   int    `json:"count"`
}

// Record is one line of the write-ahead log.
type Record struct {
	Kind        RecordKind               `json:"kind"`
	At          time.Time                `json:"at"`
	Origin      string                   `json:"origin,omitempty"`
	Observation *observation.Observation `json:"observation,omitempty"`
	Status      *StatusChange            `json:"status,omitempty"`
	Group       *observation.Group       `json:"group,omitempty"`
	Vector      *VectorRef               `json:"vector,omitempty"`
	Impact      *ImpactChange            `json:"impact,omitempty"`
	Cursor      *observation.SyncState   `json:"cursor,omitempty"`
	Export      *ExportMarker            `json:"export,omitempty"`
}

const maxRecordSize = 10 * 1024 * 1024

// Log is the append-only JSONL durability log. It is never rewritten.
type Log struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// OpenLog opens (creating if needed) the log at path.
func OpenLog(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	return &Log{path: path, file: f, logger: logger}, nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Append writes and fsyncs one record.
func (l *Log) Append(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("log record too large: %d bytes", len(data))
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("log is closed")
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// Scan calls fn for every decodable record in order. Lines that fail to decode,
// typically a torn final write, are skipped with a warning.
// Lines holding a bare observation object are read as local observation records.
func (l *Log) Scan(fn func(rec *Record) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			rec, err := decodeRecord(line)
			if err != nil {
				l.logger.Warn("skipping unreadable log record",
					zap.String("path", l.path),
					zap.Int("line", lineNo),
					zap.Error(err))
			} else if err := fn(rec); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read log: %w", readErr)
		}
	}
}

func decodeRecord(line []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.Kind != "" {
		return &rec, nil
	}

	var obs observation.Observation
	if err := json.Unmarshal(line, &obs); err != nil {
		return nil, err
	}
	if obs.ID == "" {
		return nil, errors.New("record has neither kind nor observation id")
	}
	return &Record{Kind: KindObservation, At: obs.CreatedAt, Origin: OriginLocal, Observation: &obs}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
