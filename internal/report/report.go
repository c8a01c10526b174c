package report

// ============================================================================
// Responsibilities:
// 1. Serialize the final job Result as a JSON report
// 2. Atomic write (temp file + rename) so readers never see a partial file
// 3. Check the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/rankwatch/internal/supervisor"
)

// SchemaVersion of the report file.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Report is the on-disk form of a job outcome.
type Report struct {
	SchemaVer   int               `json:"schema_version"`
	GeneratedAt time.Time         `json:"generated_at"`
	ExitCode    int               `json:"exit_code"`
	Result      supervisor.Result `json:"result"`
}

// Writer owns one report path.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer for path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write stores res atomically, replacing any earlier report.
func (w *Writer) Write(res supervisor.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rep := Report{
		SchemaVer:   SchemaVersion,
		GeneratedAt: time.Now().UTC(),
		ExitCode:    res.ExitCode(),
		Result:      res,
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Path returns the report path.
func (w *Writer) Path() string {
	return w.path
}

// Load reads and validates the report at path.
func Load(path string) (Report, error) {
	var rep Report

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rep, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return rep, fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if rep.SchemaVer != SchemaVersion {
		return rep, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rep.SchemaVer, SchemaVersion)
	}
	return rep, nil
}
