// Package fetcher resolves input locations into readable TDDF streams.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/tddf-cli/internal/stream"
)

// Options configures how inputs are located and read.
type Options struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	RatePerSec     float64
	InitialBackoff time.Duration
	// TempDir receives extracted archives and downloaded zips.
	TempDir string
	// Charset, when set, transcodes every input to UTF-8 (e.g. "windows-1252").
	Charset string
}

// Fetcher opens local, file://, http(s):// and ftp:// inputs.
type Fetcher struct {
	opts Options
	http *HTTPFetcher
	ftp  *FTPFetcher

	mu      sync.Mutex
	scratch []string
}

// New creates a Fetcher. An unknown charset is rejected here rather than on
// first read.
func New(opts Options) (*Fetcher, error) {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if _, err := charsetDecoder(opts.Charset); err != nil {
		return nil, err
	}
	return &Fetcher{
		opts: opts,
		http: NewHTTPFetcher(HTTPOptions{
			UserAgent:      opts.UserAgent,
			Timeout:        opts.Timeout,
			MaxRetries:     opts.MaxRetries,
			RatePerSec:     opts.RatePerSec,
			InitialBackoff: opts.InitialBackoff,
		}),
		ftp: NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
	}, nil
}

// Open returns a reader for uri, transcoded to UTF-8 when a charset is configured.
func (f *Fetcher) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	rc, err := f.openRaw(ctx, uri)
	if err != nil {
		return nil, err
	}
	return transcode(rc, f.opts.Charset)
}

func (f *Fetcher) openRaw(ctx context.Context, uri string) (io.ReadCloser, error) {
	switch scheme(uri) {
	case "http", "https":
		return f.http.Download(ctx, uri)
	case "ftp":
		return f.ftp.Download(ctx, uri)
	case "file", "":
		p, err := localPath(uri)
		if err != nil {
			return nil, err
		}
		file, err := os.Open(p)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", p)
		}
		return file, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme in %q", uri)
	}
}

// Sources resolves inputs into independent streams. A directory contributes
// its regular files in name order. A .zip archive is extracted under TempDir
// and each entry becomes its own stream. Call Cleanup once the streams are done.
func (f *Fetcher) Sources(ctx context.Context, inputs []string) ([]stream.Source, error) {
	var out []stream.Source
	for _, in := range inputs {
		srcs, err := f.resolve(ctx, in, true)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

func (f *Fetcher) resolve(ctx context.Context, in string, expandDir bool) ([]stream.Source, error) {
	if strings.EqualFold(path.Ext(uriPath(in)), ".zip") {
		return f.zipSources(ctx, in)
	}

	if s := scheme(in); s == "" || s == "file" {
		p, err := localPath(in)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: stat %s", p)
		}
		if info.IsDir() {
			if !expandDir {
				return nil, nil
			}
			return f.dirSources(ctx, p)
		}
	}

	return []stream.Source{f.source(in, displayName(in))}, nil
}

func (f *Fetcher) dirSources(ctx context.Context, dir string) ([]stream.Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read dir %s", dir)
	}
	var out []stream.Source
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		srcs, err := f.resolve(ctx, filepath.Join(dir, e.Name()), false)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

func (f *Fetcher) zipSources(ctx context.Context, in string) ([]stream.Source, error) {
	if err := os.MkdirAll(f.opts.TempDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fetcher: create temp dir")
	}
	dir, err := os.MkdirTemp(f.opts.TempDir, "tddf-zip-*")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create scratch dir")
	}
	f.mu.Lock()
	f.scratch = append(f.scratch, dir)
	f.mu.Unlock()

	archive := filepath.Join(dir, "archive.zip")
	switch scheme(in) {
	case "http", "https":
		_, err = f.http.DownloadToFile(ctx, in, archive)
	case "ftp":
		_, err = f.ftp.DownloadToFile(ctx, in, archive)
	default:
		archive, err = localPath(in)
	}
	if err != nil {
		return nil, err
	}

	extractDir := filepath.Join(dir, "entries")
	paths, err := ExtractZIP(archive, extractDir)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: extract %s", in)
	}

	zap.L().Info("fetcher: expanded archive",
		zap.String("archive", displayName(in)),
		zap.Int("entries", len(paths)),
	)

	base := displayName(in)
	out := make([]stream.Source, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(extractDir, p)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: entry path")
		}
		out = append(out, f.source(p, base+"/"+filepath.ToSlash(rel)))
	}
	return out, nil
}

func (f *Fetcher) source(uri, name string) stream.Source {
	return stream.Source{
		ID:   name,
		Name: name,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return f.Open(ctx, uri)
		},
	}
}

// Cleanup removes archives and entries extracted by Sources.
func (f *Fetcher) Cleanup() error {
	f.mu.Lock()
	dirs := f.scratch
	f.scratch = nil
	f.mu.Unlock()

	var firstErr error
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "fetcher: remove %s", d)
		}
	}
	return firstErr
}

func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 1 { // a Windows drive letter is not a scheme
		return ""
	}
	return strings.ToLower(uri[:i])
}

func localPath(uri string) (string, error) {
	if scheme(uri) != "file" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse %s", uri)
	}
	return filepath.FromSlash(u.Path), nil
}

func uriPath(uri string) string {
	if scheme(uri) == "" {
		return filepath.ToSlash(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Path
}

// displayName is the last path element of an input, used as its source name.
func displayName(uri string) string {
	return path.Base(uriPath(uri))
}

func charsetDecoder(charset string) (func(io.Reader) io.Reader, error) {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return nil, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
	}
	return func(r io.Reader) io.Reader { return enc.NewDecoder().Reader(r) }, nil
}

type transcodedReader struct {
	io.Reader
	io.Closer
}

func transcode(rc io.ReadCloser, charset string) (io.ReadCloser, error) {
	dec, err := charsetDecoder(charset)
	if err != nil {
		rc.Close() //nolint:errcheck
		return nil, err
	}
	if dec == nil {
		return rc, nil
	}
	return transcodedReader{Reader: dec(rc), Closer: rc}, nil
}
