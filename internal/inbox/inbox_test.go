package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tddf-cli/internal/catalog"
	"github.com/sells-group/tddf-cli/internal/stream"
)

type fakeHandler struct {
	results  map[string]error
	handled  []string
	prepared bool
	prepErr  error
	onHandle func(name string)
}

func (f *fakeHandler) Mode() string { return "fake" }

func (f *fakeHandler) Prepare(context.Context) error {
	f.prepared = true
	return f.prepErr
}

func (f *fakeHandler) Handle(_ context.Context, name, path string) (*stream.Summary, error) {
	f.handled = append(f.handled, name)
	if f.onHandle != nil {
		f.onHandle(name)
	}
	if !strings.HasSuffix(path, ClaimSuffix) {
		return nil, errors.New("handler got an unclaimed path")
	}
	if err := f.results[name]; err != nil {
		return nil, err
	}
	return &stream.Summary{SourceID: name, TotalRecords: 3, Groups: 1}, nil
}

func newTestInbox(t *testing.T, h Handler) *Inbox {
	t.Helper()
	in := New(Options{Root: t.TempDir()}, h)
	require.NoError(t, in.Layout().Ensure())
	return in
}

func TestInbox_Run(t *testing.T) {
	h := &fakeHandler{results: map[string]error{
		"b.TSYSO": errors.New("connection reset by peer"),
		"c.TSYSO": ErrDuplicate,
	}}
	in := newTestInbox(t, h)
	l := in.Layout()
	for _, name := range []string{"a.TSYSO", "b.TSYSO", "c.TSYSO"} {
		writeFile(t, filepath.Join(l.Inbox, name), "data")
	}

	report, err := in.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, h.prepared)
	assert.Equal(t, []string{"a.TSYSO", "b.TSYSO", "c.TSYSO"}, h.handled)
	assert.Equal(t, "fake", report.Mode)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Skipped)

	require.Len(t, report.Files, 3)
	assert.Equal(t, StatusSuccess, report.Files[0].Status)
	assert.Equal(t, 3, report.Files[0].Records)
	assert.Equal(t, "a.TSYSO", report.Files[0].ProcessedAs)
	assert.Equal(t, StatusFailed, report.Files[1].Status)
	assert.Equal(t, "transient", report.Files[1].ErrorType)
	assert.Equal(t, StatusDuplicate, report.Files[2].Status)

	// Failed file is back in the inbox; the others moved.
	assert.FileExists(t, filepath.Join(l.Inbox, "b.TSYSO"))
	assert.FileExists(t, filepath.Join(l.Processed, "a.TSYSO"))
	assert.FileExists(t, filepath.Join(l.Processed, "c.TSYSO"))
	assert.NoFileExists(t, filepath.Join(l.Logs, LockFile), "lock released")

	require.NotEmpty(t, report.Path)
	assert.True(t, strings.HasPrefix(filepath.Base(report.Path), "report-"))
	data, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	var saved Report
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, 1, saved.Failed)
	assert.Len(t, saved.Files, 3)
}

func TestInbox_MoveFailureIsStuck(t *testing.T) {
	h := &fakeHandler{}
	in := newTestInbox(t, h)
	l := in.Layout()
	writeFile(t, filepath.Join(l.Inbox, "a.TSYSO"), "data")

	// Replace processed/ with a plain file so the final rename fails.
	h.onHandle = func(string) {
		require.NoError(t, os.RemoveAll(l.Processed))
		writeFile(t, l.Processed, "not a directory")
	}

	report, err := in.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Successful)
	assert.Equal(t, 1, report.Stuck)
	require.Len(t, report.Files, 1)
	assert.Equal(t, StatusStuck, report.Files[0].Status)
	assert.Contains(t, report.Files[0].Error, "move a.TSYSO to processed")
	assert.Empty(t, report.Files[0].ProcessedAs)
	assert.FileExists(t, filepath.Join(l.Inbox, "a.TSYSO"+ClaimSuffix), "left claimed")
}

func TestInbox_RunEmpty(t *testing.T) {
	h := &fakeHandler{}
	in := newTestInbox(t, h)

	report, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.Empty(t, report.Path)
	assert.False(t, h.prepared, "no dependency check without work")
}

func TestInbox_PrepareFailureLeavesFiles(t *testing.T) {
	h := &fakeHandler{prepErr: errors.New("server down")}
	in := newTestInbox(t, h)
	writeFile(t, filepath.Join(in.Layout().Inbox, "a.TSYSO"), "data")

	_, err := in.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server down")
	assert.Empty(t, h.handled)
	assert.FileExists(t, filepath.Join(in.Layout().Inbox, "a.TSYSO"))
}

func TestInbox_LockedByOtherInstance(t *testing.T) {
	h := &fakeHandler{}
	in := newTestInbox(t, h)
	writeFile(t, filepath.Join(in.Layout().Inbox, "a.TSYSO"), "data")

	lockPath := filepath.Join(in.Layout().Logs, LockFile)
	writeLock(t, lockPath, LockInfo{PID: 4242, Hostname: "other-host", Timestamp: stamp(time.Now())})

	_, err := in.Run(context.Background())
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Empty(t, h.handled)
	assert.FileExists(t, lockPath)
}

func TestInbox_CancelledBeforeFiles(t *testing.T) {
	h := &fakeHandler{}
	in := newTestInbox(t, h)
	writeFile(t, filepath.Join(in.Layout().Inbox, "a.TSYSO"), "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := in.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.FileExists(t, filepath.Join(in.Layout().Inbox, "a.TSYSO"))
}

type fakeLedger struct {
	done map[string]bool
}

func (f fakeLedger) LastSuccess(_ context.Context, name string) (*time.Time, error) {
	if f.done[name] {
		now := time.Now()
		return &now, nil
	}
	return nil, nil
}

func tddfLine(tag, cents string) string {
	b := []byte(strings.Repeat("0", 300))
	put := func(pos int, s string) { copy(b[pos-1:], s) }
	put(18, tag)
	switch tag {
	case "BH":
		put(56, "03152024")
		put(104, "03152024")
	case "DT":
		put(85, "03142024")
		put(93, strings.Repeat("0", 11-len(cents))+cents)
		put(216, "D")
	}
	return string(b)
}

func TestLocalHandler(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)
	proc, err := stream.NewProcessor(c, 0)
	require.NoError(t, err)

	collectors := map[string]*stream.Collector{}
	runner := stream.NewRunner(proc, func(_ context.Context, src stream.Source) (stream.StreamSink, error) {
		col := &stream.Collector{}
		collectors[src.Name] = col
		return col, nil
	}, 1)

	h := &LocalHandler{Runner: runner, Ledger: fakeLedger{done: map[string]bool{"old.TSYSO": true}}}
	in := newTestInbox(t, h)
	l := in.Layout()
	body := strings.Join([]string{tddfLine("BH", ""), tddfLine("DT", "1000"), tddfLine("DT", "250")}, "\n")
	writeFile(t, filepath.Join(l.Inbox, "new.TSYSO"), body)
	writeFile(t, filepath.Join(l.Inbox, "old.TSYSO"), body)

	report, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "local", report.Mode)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Duplicates)

	require.Contains(t, collectors, "new.TSYSO")
	assert.NotContains(t, collectors, "old.TSYSO")
	col := collectors["new.TSYSO"]
	require.NoError(t, col.Err)
	assert.Equal(t, 3, col.Summary.TotalRecords)
	require.Len(t, col.Groups, 1)
	assert.Equal(t, "12.50", col.Groups[0].Rollups["transaction_amount"].StringFixed(2))

	assert.Equal(t, 3, report.Files[0].Records)
	assert.FileExists(t, filepath.Join(l.Processed, "new.TSYSO"))
	assert.FileExists(t, filepath.Join(l.Processed, "old.TSYSO"))
}
