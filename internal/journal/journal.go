// ============================================================================
// Decision journal
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: append-only record of every supervisor decision
//
// Format: one JSON object per line, each carrying a monotonically
// increasing sequence number and a CRC32 of its own content. The file is
// opened O_APPEND; reopening an existing journal continues its sequence.
//
// Reopening repairs damage left by a crashed writer. A torn or corrupt
// trailing record is truncated away. Corruption followed by good records
// means the file cannot be trusted: it is moved aside to <path>.corrupt
// and a fresh journal starts in its place. Recovered() reports either case.
//
// The journal is an audit trail, not a recovery log: the supervisor never
// reads it back. `rankwatch inspect` replays it for humans.
//
// A nil *Journal is valid and discards everything.
//
// ============================================================================

package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// EventType classifies a journal entry.
type EventType string

const (
	EventLaunch     EventType = "LAUNCH"      // cohort launched for an attempt
	EventRankState  EventType = "RANK_STATE"  // rank state transition
	EventRankExit   EventType = "RANK_EXIT"   // process exit observed
	EventJobState   EventType = "JOB_STATE"   // job state transition
	EventStopAll    EventType = "STOP_ALL"    // StopAll issued or finished
	EventRelaunch   EventType = "RELAUNCH"    // relaunch scheduled
	EventStraggler  EventType = "STRAGGLER"   // straggler flag raised or cleared
	EventLaunchFail EventType = "LAUNCH_FAIL" // fatal launch error
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("journal: already closed")
	// ErrChecksumMismatch is wrapped by *ChecksumError.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
)

// Entry is one journal record. Rank is -1 for job-level entries.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	RunID     string          `json:"run_id,omitempty"`
	Type      EventType       `json:"type"`
	Attempt   int             `json:"attempt"`
	Rank      types.RankID    `json:"rank"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Cause     types.Cause     `json:"cause,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  uint32          `json:"checksum"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ChecksumError reports a record whose content does not match its CRC.
type ChecksumError struct {
	Seq      uint64
	Line     int
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d line=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Line, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// checksum is the CRC32-IEEE of the entry encoded with Checksum zeroed.
func checksum(e Entry) (uint32, error) {
	e.Checksum = 0
	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(b), nil
}

// Journal appends entries to a file.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	enc          *json.Encoder
	path         string
	seq          uint64
	runID        string
	syncOnAppend bool
	closed       bool
	recovered    string
	now          func() time.Time
}

// Open creates or reopens a journal at path.
func Open(path, runID string, syncOnAppend bool) (*Journal, error) {
	seq, recovered, err := recoverFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{
		file:         f,
		enc:          json.NewEncoder(f),
		path:         path,
		seq:          seq,
		runID:        runID,
		syncOnAppend: syncOnAppend,
		recovered:    recovered,
		now:          time.Now,
	}, nil
}

// scanResult describes an existing journal file.
type scanResult struct {
	seq     uint64 // last good sequence number
	good    int64  // byte offset just past the last good record
	size    int64
	badLine int // first bad line, 0 if none
	midFile bool
}

func scanFile(path string) (scanResult, error) {
	var res scanResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	line := 0
	for {
		b, err := r.ReadBytes('\n')
		if len(b) > 0 {
			line++
			offset += int64(len(b))
			terminated := b[len(b)-1] == '\n'
			rec := bytes.TrimSpace(b)
			switch {
			case len(rec) == 0:
				if res.badLine == 0 {
					res.good = offset
				}
			case terminated && validRecord(rec):
				if res.badLine != 0 {
					res.midFile = true
					res.size = offset
					return res, nil
				}
				var e Entry
				_ = json.Unmarshal(rec, &e)
				res.seq = e.Seq
				res.good = offset
			default:
				if res.badLine == 0 {
					res.badLine = line
				}
			}
		}
		if err == io.EOF {
			res.size = offset
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

func validRecord(rec []byte) bool {
	var e Entry
	if err := json.Unmarshal(rec, &e); err != nil {
		return false
	}
	want, err := checksum(e)
	return err == nil && want == e.Checksum
}

// recoverFile repairs a damaged journal at path and returns the sequence to
// continue from and a description of what was repaired.
func recoverFile(path string) (uint64, string, error) {
	res, err := scanFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to scan journal %s: %w", path, err)
	}
	if res.badLine == 0 {
		return res.seq, "", nil
	}

	if res.midFile {
		aside := path + ".corrupt"
		if err := os.Rename(path, aside); err != nil {
			return 0, "", fmt.Errorf("failed to move corrupt journal aside: %w", err)
		}
		return 0, fmt.Sprintf("corrupt record at line %d, moved to %s", res.badLine, aside), nil
	}

	if err := os.Truncate(path, res.good); err != nil {
		return 0, "", fmt.Errorf("failed to truncate journal %s: %w", path, err)
	}
	return res.seq, fmt.Sprintf("dropped torn tail from line %d (%d bytes)", res.badLine, res.size-res.good), nil
}

// Recovered describes any repair made when the journal was opened, or "".
func (j *Journal) Recovered() string {
	if j == nil {
		return ""
	}
	return j.recovered
}

// Path returns the file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append stamps and writes one entry.
func (j *Journal) Append(e Entry) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = j.now().UnixMilli()
	if e.RunID == "" {
		e.RunID = j.runID
	}
	sum, err := checksum(e)
	if err != nil {
		return fmt.Errorf("journal: encode seq=%d: %w", e.Seq, err)
	}
	e.Checksum = sum

	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("journal: write seq=%d: %w", e.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync: %w", err)
		}
	}
	return nil
}

// LastSeq is the sequence number of the newest entry.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Replay reads every entry of the journal at path in order, verifying each
// checksum, and stops at the first error from decoding or handler.
func Replay(path string, handler func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("journal: corrupted record at line %d: %w", line, err)
		}
		want, err := checksum(e)
		if err != nil {
			return err
		}
		if want != e.Checksum {
			return &ChecksumError{Seq: e.Seq, Line: line, Expected: want, Actual: e.Checksum}
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
