// Package provision orchestrates the acquisition of boot media: retried
// checksum-verified downloads, the µCernVM release/cache lookup and the
// creation of contextualization images on disk.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"go.opencensus.io/trace"

	"github.com/cernvm/libcernvm/internal/contextiso"
	"github.com/cernvm/libcernvm/internal/download"
	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
	"github.com/cernvm/libcernvm/internal/oc"
	"github.com/cernvm/libcernvm/internal/progress"
)

// DefaultReleaseBaseURL is the µCernVM release repository queried for
// version resolution and image downloads.
const DefaultReleaseBaseURL = "http://cernvm.cern.ch/releases"

// VersionLatest is the version alias resolved against the release
// repository before any download.
const VersionLatest = "latest"

const defaultRetryInterval = 2 * time.Second

// ErrDecompress reports that a downloaded artifact could not be
// decompressed. It is deliberately distinct from transport and checksum
// failures so callers do not re-download an artifact that arrived intact.
var ErrDecompress = errors.New("cannot decompress downloaded artifact")

// Pipeline drives the media-acquisition steps for sessions. One Pipeline
// may serve many sessions concurrently; it holds no per-transfer state.
type Pipeline struct {
	provider      download.Provider
	baseURL       string
	cacheDir      string
	retryInterval time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBaseURL points the pipeline at a different release repository.
func WithBaseURL(url string) Option {
	return func(p *Pipeline) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithRetryInterval sets the pause between retry attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.retryInterval = d }
}

// New creates a pipeline downloading through provider and caching images
// under cacheDir.
func New(provider download.Provider, cacheDir string, opts ...Option) *Pipeline {
	p := &Pipeline{
		provider:      provider,
		baseURL:       DefaultReleaseBaseURL,
		cacheDir:      cacheDir,
		retryInterval: defaultRetryInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Provider returns the download provider the pipeline runs on.
func (p *Pipeline) Provider() download.Provider {
	return p.provider
}

// retry runs op up to retries+1 times, backing off between attempts.
// Only transport failures are retried; checksum failures, aborts and
// local filesystem failures are final on first occurrence.
func (p *Pipeline) retry(ctx context.Context, retries int, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, errdefs.ErrAborted) || !errdefs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryInterval), uint64(retries)),
		ctx)
	return backoff.Retry(wrapped, b)
}

// DownloadFile fetches url into destination with a literal checksum,
// retrying transient failures up to retries extra attempts. The
// destination directory is created first; each attempt stages into a
// fresh temp file, so a failed attempt leaves nothing behind at
// destination.
func (p *Pipeline) DownloadFile(ctx context.Context, url, destination, checksum string, retries int, task *progress.Task) (err error) {
	operation := "cernvm::provision::DownloadFile"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.URL, url))

	if err := os.MkdirAll(filepath.Dir(destination), 0700); err != nil {
		return fmt.Errorf("create download directory: %w", errdefs.ErrLocalIO)
	}

	attempt := 0
	return p.retry(ctx, retries, func() error {
		attempt++
		err := p.provider.DownloadFile(ctx, url, destination, checksum, task)
		if err != nil {
			log.G(ctx).WithFields(map[string]interface{}{
				logfields.URL:     url,
				logfields.Attempt: attempt,
			}).WithError(err).Warn("download attempt failed")
		}
		return err
	})
}

// DownloadFileURL fetches url into destination, obtaining the expected
// checksum from checksumURL first. The checksum document uses the
// conventional "digest  filename" form; only the digest field is read.
func (p *Pipeline) DownloadFileURL(ctx context.Context, url, checksumURL, destination string, retries int, task *progress.Task) (err error) {
	operation := "cernvm::provision::DownloadFileURL"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()

	var checksum string
	err = p.retry(ctx, retries, func() error {
		text, terr := p.provider.DownloadText(ctx, checksumURL)
		if terr != nil {
			return terr
		}
		checksum = firstField(text)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch checksum from %s: %w", checksumURL, err)
	}
	if checksum == "" {
		return fmt.Errorf("checksum document at %s is empty: %w", checksumURL, errdefs.ErrNotValidated)
	}

	return p.DownloadFile(ctx, url, destination, checksum, retries, task)
}

// DownloadFileGZ downloads a gzip-compressed artifact, verifies the
// checksum of the compressed payload and decompresses it into
// destination. Decompression failures surface as ErrDecompress.
func (p *Pipeline) DownloadFileGZ(ctx context.Context, url, destination, checksum string, retries int, task *progress.Task) (err error) {
	operation := "cernvm::provision::DownloadFileGZ"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.URL, url))

	compressed := destination + ".gz"
	if err := p.DownloadFile(ctx, url, compressed, checksum, retries, task); err != nil {
		return err
	}
	defer os.Remove(compressed)

	return decompressGZ(compressed, destination)
}

// decompressGZ expands src into dst through a staging file so dst never
// holds a partial expansion.
func decompressGZ(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open compressed artifact: %w", errdefs.ErrIO)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".expand-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", errdefs.ErrLocalIO)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, zr); err != nil {
		return fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", errdefs.ErrLocalIO)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("move artifact into place: %w", errdefs.ErrLocalIO)
	}
	return nil
}

// cacheFilename is the canonical cache entry name for an image.
func cacheFilename(version, flavor, arch string) string {
	return fmt.Sprintf("ucernvm-%s-%s-%s.iso", flavor, version, arch)
}

var versionPattern = regexp.MustCompile(`^ucernvm-[^-]+-(.+)-[^-]+\.iso$`)

// CernVMVersion extracts the image version from a cache filename; it
// returns "" when filename is not a cache entry.
func CernVMVersion(filename string) string {
	m := versionPattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return ""
	}
	return m[1]
}

// CernVMCached reports the cache path for an already-downloaded image,
// or ok=false on a miss. A zero-byte entry is a miss: it cannot be a
// valid boot image, only the leftover of an interrupted write.
func (p *Pipeline) CernVMCached(version, flavor, arch string) (path string, ok bool) {
	path = filepath.Join(p.cacheDir, cacheFilename(version, flavor, arch))
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return path, true
}

// CernVMDownload obtains the µCernVM image for the requested version,
// flavor and architecture and returns its local path. The alias "latest"
// in *version is resolved against the release repository and rewritten in
// place before the cache is consulted; a cache hit skips the network
// entirely.
func (p *Pipeline) CernVMDownload(ctx context.Context, version *string, flavor, arch string, retries int, task *progress.Task) (_ string, err error) {
	operation := "cernvm::provision::CernVMDownload"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(
		trace.StringAttribute(logfields.Version, *version),
		trace.StringAttribute(logfields.Flavor, flavor),
		trace.StringAttribute(logfields.Arch, arch))

	if *version == VersionLatest {
		var resolved string
		err := p.retry(ctx, retries, func() error {
			text, terr := p.provider.DownloadText(ctx, p.baseURL+"/latest")
			if terr != nil {
				return terr
			}
			resolved = strings.TrimSpace(text)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("resolve latest release: %w", err)
		}
		if resolved == "" {
			return "", fmt.Errorf("release repository returned empty version: %w", errdefs.ErrNotValidated)
		}
		*version = resolved
		log.G(ctx).WithField(logfields.Version, resolved).Debug("resolved latest release")
	}

	if path, ok := p.CernVMCached(*version, flavor, arch); ok {
		log.G(ctx).WithField(logfields.Version, *version).Debug("image found in cache")
		task.Complete("image found in cache")
		return path, nil
	}

	imageURL := fmt.Sprintf("%s/ucernvm-images.%s.cernvm.%s/ucernvm-%s.%s.cernvm.%s.iso",
		p.baseURL, *version, arch, flavor, *version, arch)
	destination := filepath.Join(p.cacheDir, cacheFilename(*version, flavor, arch))

	if err := p.DownloadFileURL(ctx, imageURL, imageURL+".sha256", destination, retries, task); err != nil {
		return "", err
	}
	return destination, nil
}

// BuildContextISO encodes userData into the contextualization disc for
// the session identified by uuid and writes it under parentFolder (the
// system temp directory when empty). It returns the image path.
func (p *Pipeline) BuildContextISO(ctx context.Context, uuid string, userData []byte, parentFolder string) (_ string, err error) {
	operation := "cernvm::provision::BuildContextISO"
	_, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.SessionUUID, uuid))

	img := contextiso.Build(uuid, userData, time.Now())
	return writeMedia(parentFolder, "context-"+uuid+".iso", img)
}

// BuildFloppyIO encodes userData into the floppy variant for hypervisors
// contextualized over floppy instead of optical media.
func (p *Pipeline) BuildFloppyIO(ctx context.Context, uuid string, userData []byte, parentFolder string) (_ string, err error) {
	operation := "cernvm::provision::BuildFloppyIO"
	_, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.SessionUUID, uuid))

	img := contextiso.BuildFloppy(userData)
	return writeMedia(parentFolder, "floppy-"+uuid+".img", img)
}

// writeMedia persists an in-memory image under dir through a staging
// file, so a crash mid-write never leaves a referenced partial image.
func writeMedia(dir, name string, img []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create media directory: %w", errdefs.ErrLocalIO)
	}
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".partial-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", errdefs.ErrLocalIO)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write media image: %w", errdefs.ErrLocalIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close media image: %w", errdefs.ErrLocalIO)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("move media image into place: %w", errdefs.ErrLocalIO)
	}
	return path, nil
}

// firstField returns the first whitespace-delimited token of s.
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
