package persistence

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
)

// DefaultMaxRows is the retention cap used when none is configured.
const DefaultMaxRows = 1000

// ErrStorage wraps every I/O failure of the log. Callers log it and go on:
// at most the reading being appended is lost.
var ErrStorage = errors.New("storage failure")

// Header is the fixed column order of the log file.
var Header = []string{
	"timestamp",
	"temperature",
	"humidity",
	"soil_moisture",
	"light_intensity",
	"npk_n",
	"npk_p",
	"npk_k",
	"irrigation_needed",
	"plant_health",
	"pump_status",
}

// legacyTimeLayout is how the Streamlit dashboard wrote timestamps; files it
// left behind are still readable.
const legacyTimeLayout = "2006-01-02 15:04:05.999999"

// BoundedLog is an append-only CSV log of readings that keeps only the
// newest max rows. Every append is flushed and fsynced before returning.
//
// The in-memory rows slice is never modified in place: appends extend it and
// trims replace it, so a reader can keep a captured slice without holding the
// lock.
type BoundedLog struct {
	mu     sync.RWMutex
	path   string
	max    int
	file   *os.File
	writer *csv.Writer
	rows   []model.Reading
	dirty  bool // file may not match rows after a failed write
	closed bool
	logger *zap.Logger
}

// Open loads the log at path, creating it with a header if it does not
// exist, and applies the retention cap.
func Open(path string, max int, logger *zap.Logger) (*BoundedLog, error) {
	if max <= 0 {
		max = DefaultMaxRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: cannot create data dir: %v", ErrStorage, err)
	}

	l := &BoundedLog{path: path, max: max, logger: logger}

	rows, malformed, header, err := loadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := l.rewriteLocked(nil); err != nil {
			return nil, err
		}
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}
	if malformed > 0 {
		logger.Warn("skipped malformed rows in log", zap.String("path", path), zap.Int("rows", malformed))
	}

	if !header {
		logger.Warn("log file has no header, rewriting", zap.String("path", path))
	}
	if len(rows) > max || malformed > 0 || !header {
		if err := l.rewriteLocked(rows); err != nil {
			return nil, err
		}
	} else {
		l.rows = rows
		if err := l.openAppendLocked(); err != nil {
			return nil, err
		}
	}
	logger.Info("log opened", zap.String("path", path), zap.Int("rows", len(l.rows)), zap.Int("max", max))
	return l, nil
}

// Append adds r as the newest row and drops the oldest rows beyond the cap.
func (l *BoundedLog) Append(r model.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: log %s is closed", ErrStorage, l.path)
	}

	next := append(l.rows, r)
	if l.dirty || len(next) > l.max {
		// the rewrite itself enforces the cap and leaves the file consistent
		return l.rewriteLocked(next)
	}

	if err := l.writeRowLocked(r); err != nil {
		l.dirty = true
		return fmt.Errorf("%w: append %s: %v", ErrStorage, l.path, err)
	}
	l.rows = next
	return nil
}

// Read returns the newest limit rows, oldest first. The sequence is finite and
// can be ranged over more than once; it reflects the log at the time of the
// call. An empty or missing log yields nothing.
func (l *BoundedLog) Read(limit int) iter.Seq[model.Reading] {
	var rows []model.Reading
	if l != nil && limit > 0 {
		l.mu.RLock()
		rows = l.rows
		l.mu.RUnlock()
		if limit < len(rows) {
			rows = rows[len(rows)-limit:]
		}
	}
	return func(yield func(model.Reading) bool) {
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	}
}

// ClearExcess re-applies the cap and repairs the file if it drifted from
// the in-memory rows, e.g. after a partial write. Calling it again is a no-op.
func (l *BoundedLog) ClearExcess() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	onDisk, malformed, header, err := loadFile(l.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: read %s: %v", ErrStorage, l.path, err)
	}
	if !l.dirty && err == nil && header && malformed == 0 && len(onDisk) == len(l.rows) && len(l.rows) <= l.max {
		return nil
	}
	l.logger.Info("re-applying retention",
		zap.Int("disk_rows", len(onDisk)), zap.Int("malformed", malformed), zap.Int("rows", len(l.rows)))
	return l.rewriteLocked(l.rows)
}

func (l *BoundedLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

func (l *BoundedLog) Cap() int { return l.max }

func (l *BoundedLog) Path() string { return l.path }

func (l *BoundedLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeFileLocked()
}

func (l *BoundedLog) writeRowLocked(r model.Reading) error {
	if l.writer == nil {
		return errors.New("log file not open")
	}
	if err := l.writer.Write(encodeRow(r)); err != nil {
		return err
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return err
	}
	return l.file.Sync()
}

// rewriteLocked replaces the file with header + the newest l.max of rows via
// a temp file and rename, then reopens it for appending.
func (l *BoundedLog) rewriteLocked(rows []model.Reading) error {
	if len(rows) > l.max {
		rows = rows[len(rows)-l.max:]
	}
	kept := make([]model.Reading, len(rows))
	copy(kept, rows)

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		l.dirty = true
		return fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		l.dirty = true
		return fmt.Errorf("%w: rewrite %s: %v", ErrStorage, l.path, err)
	}

	w := csv.NewWriter(tmp)
	if err := w.Write(Header); err != nil {
		return fail(err)
	}
	for _, r := range kept {
		if err := w.Write(encodeRow(r)); err != nil {
			return fail(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}

	_ = l.closeFileLocked()
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		_ = os.Remove(tmp.Name())
		l.dirty = true
		return fmt.Errorf("%w: replace %s: %v", ErrStorage, l.path, err)
	}
	// the rename is durable only once the directory entry is
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		l.dirty = true
		return fmt.Errorf("%w: sync dir of %s: %v", ErrStorage, l.path, err)
	}
	if err := l.openAppendLocked(); err != nil {
		l.dirty = true
		return err
	}
	l.rows = kept
	l.dirty = false
	return nil
}

func (l *BoundedLog) openAppendLocked() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorage, l.path, err)
	}
	l.file = f
	l.writer = csv.NewWriter(f)
	return nil
}

func (l *BoundedLog) closeFileLocked() error {
	if l.file == nil {
		return nil
	}
	if l.writer != nil {
		l.writer.Flush()
	}
	err := l.file.Close()
	l.file, l.writer = nil, nil
	return err
}

func encodeRow(r model.Reading) []string {
	irrigation := "0"
	if r.IrrigationNeeded {
		irrigation = "1"
	}
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(r.Temperature, 'f', -1, 64),
		strconv.FormatFloat(r.Humidity, 'f', -1, 64),
		strconv.FormatFloat(r.SoilMoisture, 'f', -1, 64),
		strconv.Itoa(r.LightIntensity),
		strconv.Itoa(r.NpkN),
		strconv.Itoa(r.NpkP),
		strconv.Itoa(r.NpkK),
		irrigation,
		string(r.PlantHealth),
		string(r.PumpStatus()),
	}
}

// loadFile reads every well-formed row of path. Unparseable rows, including a
// torn last line, are counted in malformed and skipped. header reports whether
// the first record was the column header.
func loadFile(path string) (rows []model.Reading, malformed int, header bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	first := true
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			malformed++
			first = false
			continue
		}
		if err != nil {
			return nil, 0, false, err
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == Header[0] {
				header = true
				continue
			}
		}
		r, err := decodeRow(rec)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, r)
	}
	return rows, malformed, header, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func decodeRow(rec []string) (model.Reading, error) {
	// pump_status is derived, a row without it is still complete
	if len(rec) < len(Header)-1 {
		return model.Reading{}, fmt.Errorf("row has %d columns, want %d", len(rec), len(Header))
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		if ts, err = time.ParseInLocation(legacyTimeLayout, rec[0], time.Local); err != nil {
			return model.Reading{}, fmt.Errorf("timestamp: %w", err)
		}
	}
	var r model.Reading
	r.Timestamp = ts
	floats := []*float64{&r.Temperature, &r.Humidity, &r.SoilMoisture}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(rec[1+i], 64); err != nil {
			return model.Reading{}, fmt.Errorf("%s: %w", Header[1+i], err)
		}
	}
	ints := []*int{&r.LightIntensity, &r.NpkN, &r.NpkP, &r.NpkK}
	for i, dst := range ints {
		if *dst, err = parseInt(rec[4+i]); err != nil {
			return model.Reading{}, fmt.Errorf("%s: %w", Header[4+i], err)
		}
	}
	if r.IrrigationNeeded, err = strconv.ParseBool(rec[8]); err != nil {
		return model.Reading{}, fmt.Errorf("irrigation_needed: %w", err)
	}
	r.PlantHealth = model.PlantHealth(rec[9])
	return r, nil
}

// parseInt accepts "850" and the "850.0" pandas writes for integer columns.
func parseInt(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}
