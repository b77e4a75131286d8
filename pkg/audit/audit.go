// Package audit is the append-only, hash-chained audit log described in
// spec §4.7/§6: line-delimited records in a rotating active file, a bounded
// in-memory buffer, indexed archives, search, retention, and chain replay.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/log"
	"github.com/cuemby/runnerhub/pkg/metrics"
	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/rs/zerolog"
)

// Format selects the on-disk record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Config controls storage location, rotation, and retention.
type Config struct {
	BasePath      string
	Format        Format
	MaxFileSize   int64
	MaxFiles      int
	RetentionDays map[string]int // category -> retention days; "default" is the fallback
	BatchSize     int
	FlushInterval time.Duration
	IndexedFields []string
}

// DefaultConfig matches spec §4.7's stated retention defaults.
func DefaultConfig(basePath string) Config {
	return Config{
		BasePath:      basePath,
		Format:        FormatJSON,
		MaxFileSize:   64 << 20,
		MaxFiles:      100,
		RetentionDays: map[string]int{"security": 730, "compliance": 2555, "default": 365},
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		IndexedFields: []string{"actor", "category", "action", "resource_id"},
	}
}

type fileHeader struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	Created      string `json:"created"`
	Hostname     string `json:"hostname"`
	PreviousFile string `json:"previousFile,omitempty"`
}

// indexEntry is one archive's `<archive>.idx` content.
type indexEntry struct {
	Filename string                       `json:"filename"`
	Filepath string                       `json:"filepath"`
	Created  string                       `json:"created"`
	Events   []map[string]string          `json:"events"`
}

// Log is the append-only, hash-chained audit sink.
type Log struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	buffer     []types.AuditRecord
	lastHash   string
	activeFile string
	activeSize int64
	archiveSeq int

	stopCh chan struct{}
}

// Open creates or resumes a Log at cfg.BasePath.
func Open(cfg Config) (*Log, error) {
	if err := os.MkdirAll(cfg.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit base path: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	l := &Log{cfg: cfg, logger: log.WithComponent("audit"), stopCh: make(chan struct{})}
	if err := l.openActiveFile(""); err != nil {
		return nil, err
	}
	return l, nil
}

// Start runs the periodic flush loop until stop is closed or Stop is called.
func (l *Log) Start(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(l.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					l.logger.Error().Err(err).Msg("periodic audit flush failed")
				}
			case <-stop:
				return
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic flush loop.
func (l *Log) Stop() { close(l.stopCh) }

// Append adds a record to the in-memory buffer, chaining its hash to the
// previous record, and flushes immediately if the batch size is reached.
func (l *Log) Append(rec types.AuditRecord) error {
	l.mu.Lock()
	rec.Integrity = types.AuditIntegrity{Algo: "sha256", PrevHash: l.lastHash}
	rec.Integrity.Hash = l.chainHash(rec)
	l.lastHash = rec.Integrity.Hash
	l.buffer = append(l.buffer, rec)
	shouldFlush := len(l.buffer) >= l.cfg.BatchSize
	l.mu.Unlock()

	if shouldFlush {
		return l.Flush()
	}
	return nil
}

func (l *Log) chainHash(rec types.AuditRecord) string {
	payload, _ := json.Marshal(struct {
		ID       string
		Ts       int64
		Category string
		Action   string
		PrevHash string
	}{rec.ID, rec.TimestampMs, rec.Category, rec.Action, rec.Integrity.PrevHash})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Flush writes the buffered records to the active file. On write failure
// the records are re-prepended to the buffer so they are not lost.
func (l *Log) Flush() error {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := l.writeRecords(pending); err != nil {
		l.mu.Lock()
		l.buffer = append(pending, l.buffer...)
		l.mu.Unlock()
		return fmt.Errorf("failed to flush audit records: %w", err)
	}

	metrics.AuditRecordsWritten.Add(float64(len(pending)))
	return nil
}

func (l *Log) writeRecords(records []types.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.activeFile, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := l.encode(rec)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		l.activeSize += int64(len(line))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if l.activeSize >= l.cfg.MaxFileSize {
		return l.rotateLocked()
	}
	return nil
}

func (l *Log) encode(rec types.AuditRecord) ([]byte, error) {
	if l.cfg.Format == FormatCSV {
		line := fmt.Sprintf("%s,%d,%s,%s,%s,%s,%s\n",
			rec.ID, rec.TimestampMs, rec.Category, rec.Action, rec.Result, rec.Actor, rec.Integrity.Hash)
		return []byte(line), nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// rotateLocked renames the active file into the archive directory, writes
// its index file, and opens a fresh active file. Caller must hold l.mu.
func (l *Log) rotateLocked() error {
	archiveDir := filepath.Join(l.cfg.BasePath, "archive")
	if err := os.MkdirAll(archiveDir, 0700); err != nil {
		return err
	}

	l.archiveSeq++
	archiveName := fmt.Sprintf("audit-%d.log", l.archiveSeq)
	archivePath := filepath.Join(archiveDir, archiveName)
	if err := os.Rename(l.activeFile, archivePath); err != nil {
		return err
	}

	if err := l.writeIndexLocked(archivePath, archiveName); err != nil {
		l.logger.Warn().Err(err).Msg("failed to write audit archive index")
	}

	metrics.AuditRotations.Inc()
	return l.openActiveFileLocked(archiveName)
}

func (l *Log) writeIndexLocked(archivePath, archiveName string) error {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}
	var events []map[string]string
	for _, line := range splitLines(data) {
		var rec types.AuditRecord
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		ev := map[string]string{
			"actor":       rec.Actor,
			"category":    rec.Category,
			"action":      rec.Action,
			"resource_id": rec.Resource.ID,
		}
		events = append(events, ev)
	}

	idx := indexEntry{Filename: archiveName, Filepath: archivePath, Created: time.Now().UTC().Format(time.RFC3339), Events: events}
	idxData, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return os.WriteFile(archivePath+".idx", idxData, 0600)
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

func (l *Log) openActiveFile(previous string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openActiveFileLocked(previous)
}

func (l *Log) openActiveFileLocked(previous string) error {
	hostname, _ := os.Hostname()
	h := fileHeader{Type: "audit_log_header", Version: "1.0", Created: time.Now().UTC().Format(time.RFC3339), Hostname: hostname, PreviousFile: previous}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}

	path := filepath.Join(l.cfg.BasePath, "active.log")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create active audit file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	l.activeFile = path
	l.activeSize = int64(len(data)) + 1
	return nil
}

// Filter narrows Search results.
type Filter struct {
	From       time.Time
	To         time.Time
	Category   string
	Action     string
	Actor      string
	ResourceID string
	Level      string
	Limit      int
}

// Search scans the in-memory buffer first, then archived files, applying
// filter and stopping once Limit results are collected.
func (l *Log) Search(filter Filter) ([]types.AuditRecord, error) {
	l.mu.Lock()
	buffered := append([]types.AuditRecord{}, l.buffer...)
	l.mu.Unlock()

	var out []types.AuditRecord
	for _, rec := range buffered {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}

	archiveDir := filepath.Join(l.cfg.BasePath, "archive")
	entries, _ := os.ReadDir(archiveDir)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
	for _, e := range entries {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if filepath.Ext(e.Name()) == ".idx" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(archiveDir, e.Name()))
		if err != nil {
			continue
		}
		for _, line := range splitLines(data) {
			var rec types.AuditRecord
			if json.Unmarshal(line, &rec) != nil {
				continue
			}
			if matches(rec, filter) {
				out = append(out, rec)
				if filter.Limit > 0 && len(out) >= filter.Limit {
					break
				}
			}
		}
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(rec types.AuditRecord, f Filter) bool {
	if !f.From.IsZero() && rec.TimestampMs < f.From.UnixMilli() {
		return false
	}
	if !f.To.IsZero() && rec.TimestampMs > f.To.UnixMilli() {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.ResourceID != "" && rec.Resource.ID != f.ResourceID {
		return false
	}
	if f.Level != "" && rec.Level != f.Level {
		return false
	}
	return true
}

// VerifyResult reports the outcome of a hash-chain replay.
type VerifyResult struct {
	Verified int
	Failed   int
	Errors   []string
}

// VerifyIntegrity replays the hash chain over records, confirming each
// record's stored hash matches a recomputation and that PrevHash links
// correctly to its predecessor. Once one record fails, every record after
// it is reported failed as well.
func (l *Log) VerifyIntegrity(records []types.AuditRecord) VerifyResult {
	var res VerifyResult
	prev := ""
	broken := false
	for _, rec := range records {
		expected := l.chainHash(types.AuditRecord{
			ID: rec.ID, TimestampMs: rec.TimestampMs, Category: rec.Category, Action: rec.Action,
			Integrity: types.AuditIntegrity{PrevHash: prev},
		})
		// A broken link taints the rest of the chain: later records fail
		// even when their own fields still hash consistently.
		if broken || rec.Integrity.PrevHash != prev || rec.Integrity.Hash != expected {
			broken = true
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: chain mismatch", rec.ID))
		} else {
			res.Verified++
		}
		// Carry forward the recomputed hash, not the record's own stored
		// hash.
		prev = expected
	}
	return res
}

// Sweep deletes archived files older than the configured retention for
// their category, determined by the oldest record read from each file.
func (l *Log) Sweep() (int, error) {
	archiveDir := filepath.Join(l.cfg.BasePath, "archive")
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".idx" {
			continue
		}
		path := filepath.Join(archiveDir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		category := l.firstCategory(path)
		days := l.cfg.RetentionDays["default"]
		if d, ok := l.cfg.RetentionDays[category]; ok {
			days = d
		}
		if days <= 0 {
			continue
		}
		if time.Since(info.ModTime()) > time.Duration(days)*24*time.Hour {
			os.Remove(path)
			os.Remove(path + ".idx")
			deleted++
		}
	}
	return deleted, nil
}

func (l *Log) firstCategory(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "default"
	}
	lines := splitLines(data)
	for _, line := range lines {
		var rec types.AuditRecord
		if json.Unmarshal(line, &rec) == nil && rec.Category != "" {
			return rec.Category
		}
	}
	return "default"
}
