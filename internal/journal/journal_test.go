package journal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

func readAll(t *testing.T, path string) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, Replay(path, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, "run-1", true)
	require.NoError(t, err)

	require.NoError(t, j.Append(Entry{Type: EventLaunch, Rank: -1, Attempt: 0, Detail: "4 ranks"}))
	require.NoError(t, j.Append(Entry{Type: EventRankState, Rank: 2, From: "running", To: "hung", Cause: types.CauseRankHang}))
	require.NoError(t, j.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, EventLaunch, entries[0].Type)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Equal(t, types.RankID(2), entries[1].Rank)
	assert.Equal(t, types.CauseRankHang, entries[1].Cause)
	assert.False(t, entries[1].Time().IsZero())
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, "run-1", false)
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{Type: EventLaunch, Rank: -1}))
	require.NoError(t, j.Close())

	j, err = Open(path, "run-2", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), j.LastSeq())
	require.NoError(t, j.Append(Entry{Type: EventJobState, Rank: -1, To: "completed"}))
	require.NoError(t, j.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Equal(t, "run-2", entries[1].RunID)
}

func TestReplayDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, "run-1", false)
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{Type: EventRankExit, Rank: 1, Detail: "exit code 1"}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "exit code 1", "exit code 0", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	err = Replay(path, func(Entry) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	var cerr *ChecksumError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint64(1), cerr.Seq)
	assert.Contains(t, cerr.Error(), "seq=1")
}

func TestReplayCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	err := Replay(path, func(Entry) error { return nil })
	assert.ErrorContains(t, err, "line 1")
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, "run-1", false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(Entry{Type: EventRankState, Rank: types.RankID(i)}))
	}
	require.NoError(t, j.Close())

	stop := errors.New("stop")
	calls := 0
	err = Replay(path, func(Entry) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestClosedAndNilJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := Open(path, "run-1", false)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(Entry{Type: EventLaunch}), ErrClosed)

	var none *Journal
	assert.NoError(t, none.Append(Entry{Type: EventLaunch}))
	assert.NoError(t, none.Close())
	assert.Zero(t, none.LastSeq())
}

func TestReplayMissingFile(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "absent"), func(Entry) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writeEntries(t *testing.T, path string, n int) {
	t.Helper()
	j, err := Open(path, "run-1", false)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, j.Append(Entry{Type: EventRankState, Rank: types.RankID(i)}))
	}
	require.NoError(t, j.Close())
}

func TestReopenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	writeEntries(t, path, 2)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"timestamp":17`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err := Open(path, "run-2", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), j.LastSeq())
	assert.Contains(t, j.Recovered(), "line 3")
	require.NoError(t, j.Append(Entry{Type: EventLaunch, Rank: -1}))
	require.NoError(t, j.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[2].Seq)
	assert.Equal(t, "run-2", entries[2].RunID)
}

func TestReopenMovesMidFileCorruptionAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	writeEntries(t, path, 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	lines[1] = "{garbage}\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644))

	j, err := Open(path, "run-2", false)
	require.NoError(t, err)
	assert.Zero(t, j.LastSeq())
	assert.Contains(t, j.Recovered(), ".corrupt")
	require.NoError(t, j.Append(Entry{Type: EventLaunch, Rank: -1}))
	require.NoError(t, j.Close())

	entries := readAll(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Seq)

	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestReopenCleanJournalReportsNoRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	writeEntries(t, path, 1)

	j, err := Open(path, "run-2", false)
	require.NoError(t, err)
	defer j.Close()
	assert.Empty(t, j.Recovered())
	assert.Equal(t, uint64(1), j.LastSeq())
}
