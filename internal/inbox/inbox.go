package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tddf-cli/internal/resilience"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// File outcomes in a Report.
const (
	StatusSuccess   = "success"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	// StatusStuck marks a handled file that could not be moved out of its
	// claimed state. It stays claimed until someone moves it by hand.
	StatusStuck = "stuck"
)

// Handler processes one claimed file. Returning ErrDuplicate marks a file
// that was already ingested; it is moved to processed/ like a success.
type Handler interface {
	Mode() string
	Handle(ctx context.Context, name, path string) (*stream.Summary, error)
}

// Preparer is implemented by handlers that must check a dependency before
// any file is claimed.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// FileResult is the outcome for one inbox file.
type FileResult struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	ProcessedAs string `json:"processed_as,omitempty"`
	Records     int    `json:"records,omitempty"`
	Groups      int    `json:"groups,omitempty"`
	Warnings    int    `json:"warnings,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// Report summarizes one drain of the inbox.
type Report struct {
	Mode       string       `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Successful int          `json:"successful"`
	Duplicates int          `json:"duplicates"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Stuck      int          `json:"stuck"`
	Files      []FileResult `json:"files"`

	// Path is where the report was written, empty when the inbox was empty.
	Path string `json:"-"`
}

// Options configures an Inbox.
type Options struct {
	Root      string
	LockStale time.Duration
}

// Inbox drains a folder through a Handler.
type Inbox struct {
	layout    Layout
	lockStale time.Duration
	handler   Handler
	now       func() time.Time
}

// New creates an Inbox rooted at opts.Root.
func New(opts Options, handler Handler) *Inbox {
	if opts.LockStale <= 0 {
		opts.LockStale = 30 * time.Minute
	}
	return &Inbox{
		layout:    NewLayout(opts.Root),
		lockStale: opts.LockStale,
		handler:   handler,
		now:       time.Now,
	}
}

// Layout returns the inbox folder structure.
func (in *Inbox) Layout() Layout { return in.layout }

// Run claims and processes every pending file once, in name order. Failed
// files are returned to the inbox for the next run. Cancellation stops the
// run between files.
func (in *Inbox) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("component", "inbox"), zap.String("mode", in.handler.Mode()))

	if err := in.layout.Ensure(); err != nil {
		return nil, err
	}

	lock := NewLock(filepath.Join(in.layout.Logs, LockFile), in.lockStale)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("inbox: release lock failed", zap.Error(err))
		}
	}()

	report := &Report{Mode: in.handler.Mode(), StartedAt: in.now().UTC()}

	names, err := in.layout.Pending()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		log.Info("inbox empty", zap.String("folder", in.layout.Inbox))
		report.FinishedAt = in.now().UTC()
		return report, nil
	}

	if p, ok := in.handler.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			return nil, eris.Wrap(err, "inbox: prepare")
		}
	}

	log.Info("processing inbox", zap.Int("files", len(names)))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			log.Warn("inbox run cancelled", zap.Int("remaining", len(names)-i))
			break
		}
		res := in.processOne(ctx, log, name)
		switch res.Status {
		case StatusSuccess:
			report.Successful++
		case StatusDuplicate:
			report.Duplicates++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		case StatusStuck:
			report.Stuck++
		}
		report.Files = append(report.Files, res)
	}
	report.FinishedAt = in.now().UTC()

	path, err := in.writeReport(report)
	if err != nil {
		return report, err
	}
	report.Path = path

	log.Info("inbox run complete",
		zap.Int("successful", report.Successful),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("stuck", report.Stuck),
		zap.String("report", path),
	)
	return report, nil
}

func (in *Inbox) processOne(ctx context.Context, log *zap.Logger, name string) (res FileResult) {
	res.Name = name
	start := time.Now()
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	fileLog := log.With(zap.String("file", name))

	claimed, err := in.layout.Claim(name)
	if err != nil {
		fileLog.Warn("could not claim file", zap.Error(err))
		res.Status = StatusSkipped
		res.Error = err.Error()
		return res
	}

	sum, err := in.handler.Handle(ctx, name, claimed)
	if sum != nil {
		res.Records = sum.TotalRecords
		res.Groups = sum.Groups
		res.Warnings = sum.TotalWarnings
	}

	switch {
	case errors.Is(err, ErrDuplicate):
		res.Status = StatusDuplicate
		fileLog.Info("already ingested")
	case err != nil:
		res.Status = StatusFailed
		res.Error = err.Error()
		res.ErrorType = resilience.ClassifyError(err)
		fileLog.Error("file failed", zap.Error(err), zap.String("error_type", res.ErrorType))
		if _, uerr := in.layout.Unclaim(claimed); uerr != nil {
			fileLog.Error("unclaim failed", zap.Error(uerr))
		}
		return res
	default:
		res.Status = StatusSuccess
		fileLog.Info("file complete", zap.Int("records", res.Records))
	}

	dst, err := in.layout.MoveToProcessed(claimed)
	if err != nil {
		// The file was handled; leave it claimed so it is not ingested twice.
		fileLog.Error("move to processed failed, file left claimed",
			zap.Error(err), zap.String("path", claimed), zap.String("handled_as", res.Status))
		res.Status = StatusStuck
		res.Error = err.Error()
		return res
	}
	res.ProcessedAs = filepath.Base(dst)
	return res
}

func (in *Inbox) writeReport(r *Report) (string, error) {
	path := filepath.Join(in.layout.Logs, "report-"+r.FinishedAt.Format("20060102-150405")+".json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "inbox: encode report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "inbox: write report %s", path)
	}
	return path, nil
}

// RunLedger reports when a source last completed.
type RunLedger interface {
	LastSuccess(ctx context.Context, sourceName string) (*time.Time, error)
}

// LocalHandler decodes files in-process through a stream.Runner.
type LocalHandler struct {
	Runner *stream.Runner
	// Ledger, when set, turns files that already completed into duplicates.
	Ledger RunLedger
}

// Mode implements Handler.
func (h *LocalHandler) Mode() string { return "local" }

// Handle implements Handler.
func (h *LocalHandler) Handle(ctx context.Context, name, path string) (*stream.Summary, error) {
	if h.Ledger != nil {
		last, err := h.Ledger.LastSuccess(ctx, name)
		if err != nil {
			return nil, err
		}
		if last != nil {
			return nil, ErrDuplicate
		}
	}
	src := stream.Source{
		ID:   name,
		Name: name,
		Open: func(context.Context) (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, eris.Wrapf(err, "inbox: open %s", name)
			}
			return f, nil
		},
	}
	res := h.Runner.Run(ctx, []stream.Source{src})[0]
	return &res.Summary, res.Err
}

// RemoteHandler uploads files to a tddf server.
type RemoteHandler struct {
	Client *Client
}

// Mode implements Handler.
func (h *RemoteHandler) Mode() string { return "remote" }

// Prepare implements Preparer by pinging the server.
func (h *RemoteHandler) Prepare(ctx context.Context) error {
	return h.Client.Ping(ctx)
}

// Handle implements Handler.
func (h *RemoteHandler) Handle(ctx context.Context, name, path string) (*stream.Summary, error) {
	res, err := h.Client.Upload(ctx, name, path)
	if err != nil {
		return nil, err
	}
	return res.Summary, nil
}
