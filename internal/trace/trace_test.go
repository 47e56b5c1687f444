package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTracerRecordsNothing(t *testing.T) {
	tr := New(4)
	tr.Record(Event{Type: TypeRead, LBA: 1})
	require.False(t, tr.Enabled())

	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, tr.Dump(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestEnabledTracerWrapsRing(t *testing.T) {
	tr := New(2)
	tr.Enable()

	tr.Record(Event{Type: TypeRead, LBA: 1})
	tr.Record(Event{Type: TypeWrite, LBA: 2})
	tr.Record(Event{Type: TypeErase, LBA: 3}) // overwrites LBA 1's slot

	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, tr.Dump(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.NoError(t, sc.Err())

	require.Len(t, got, 2, "dump only ever holds at most the ring's depth")
	require.Equal(t, uint64(2), got[0].LBA)
	require.Equal(t, uint64(3), got[1].LBA)
}

func TestDisableStopsRecordingButKeepsRing(t *testing.T) {
	tr := New(4)
	tr.Enable()
	tr.Record(Event{Type: TypeRead, LBA: 1})
	tr.Disable()
	tr.Record(Event{Type: TypeRead, LBA: 2})

	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, tr.Dump(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].LBA)
}
