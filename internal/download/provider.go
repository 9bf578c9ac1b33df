// Package download implements the resilient single-file fetch used by the
// provisioning pipeline: checksum verification, throttled progress and
// cooperative abort. Retrying lives one layer up; a provider performs
// exactly one attempt per call.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/log"
	"github.com/cernvm/libcernvm/internal/logfields"
	"github.com/cernvm/libcernvm/internal/oc"
	"github.com/cernvm/libcernvm/internal/progress"
	"go.opencensus.io/trace"
)

const (
	// connectTimeout bounds connection establishment alone; there is no
	// reason to wait longer than this for a TCP/TLS handshake.
	connectTimeout = 10 * time.Second

	// fileTransferTimeout bounds one whole disk-image transfer. Images can
	// reach tens of GB; on a slow link that is hours, not minutes.
	fileTransferTimeout = 2 * time.Hour

	// textTransferTimeout bounds small text fetches (checksums, version
	// manifests).
	textTransferTimeout = 60 * time.Second

	copyChunkSize = 64 * 1024
)

// Provider fetches single files over HTTP(S).
type Provider interface {
	// DownloadFile fetches url into destination. A non-empty checksum is
	// the expected lowercase SHA-256 hex of the complete artifact; a
	// mismatch fails with the validation error and removes the output.
	DownloadFile(ctx context.Context, url, destination, checksum string, task *progress.Task) error

	// DownloadText fetches a small text payload.
	DownloadText(ctx context.Context, url string) (string, error)

	// Abort cancels the in-flight transfer only.
	Abort()

	// AbortAll cancels the in-flight transfer and blocks every later one
	// on this provider until ClearAbort.
	AbortAll()

	// ClearAbort lifts a sticky AbortAll.
	ClearAbort()

	// Clone returns an independent provider with its own transport state.
	Clone() Provider

	// ActiveOperations returns the number of transfers currently running.
	ActiveOperations() int
}

var (
	defaultMu       sync.Mutex
	defaultProvider Provider
)

// Default returns the process-wide provider, constructing it lazily. This
// is the only global mutable state in the core; tests that replace it must
// restore it afterwards.
func Default() Provider {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultProvider == nil {
		defaultProvider = NewHTTP()
	}
	return defaultProvider
}

// SetDefault replaces the process-wide provider. Single writer at a time;
// in-flight transfers on the previous provider are unaffected.
func SetDefault(p Provider) {
	defaultMu.Lock()
	defaultProvider = p
	defaultMu.Unlock()
}

// HTTP is the production Provider on net/http.
type HTTP struct {
	client *http.Client

	mu                sync.Mutex
	abortFlag         bool
	abortPersistsFlag bool
	active            int
}

var _ Provider = &HTTP{}

// NewHTTP creates a provider with its own connection pool.
func NewHTTP() *HTTP {
	return &HTTP{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
				Proxy:               http.ProxyFromEnvironment,
			},
		},
	}
}

// Clone returns a provider with a fresh transport and clear abort state.
func (p *HTTP) Clone() Provider {
	return NewHTTP()
}

// Abort requests cancellation of the transfer currently in flight, if any.
// The flag is polled at the copy-loop checkpoint and self-clears there.
func (p *HTTP) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.abortFlag = true
		p.abortPersistsFlag = false
	}
}

// AbortAll cancels the in-flight transfer and stays set: any transfer
// started afterwards on this provider fails immediately.
func (p *HTTP) AbortAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortFlag = true
	p.abortPersistsFlag = true
}

// ClearAbort re-enables transfers after an AbortAll.
func (p *HTTP) ClearAbort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortFlag = false
	p.abortPersistsFlag = false
}

// ActiveOperations returns the concurrent-transfer count.
func (p *HTTP) ActiveOperations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// checkAborted is the cooperative cancellation checkpoint. A one-shot abort
// clears itself once observed; a sticky abort keeps firing.
func (p *HTTP) checkAborted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abortFlag {
		p.abortFlag = p.abortPersistsFlag
		return errdefs.ErrAborted
	}
	return nil
}

func (p *HTTP) enter() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
}

func (p *HTTP) leave() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// DownloadFile performs one transfer attempt into destination. The payload
// is staged in a temp file and renamed only after the checksum (when given)
// verifies, so a failed attempt never leaves a partially written
// destination behind.
func (p *HTTP) DownloadFile(ctx context.Context, url, destination, checksum string, task *progress.Task) (err error) {
	operation := "cernvm::download::DownloadFile"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.URL, url))

	p.enter()
	defer p.leave()

	if err := p.checkAborted(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, fileTransferTimeout)
	defer cancel()

	resp, err := p.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if task != nil && resp.ContentLength > 0 {
		task.SetMax(resp.ContentLength)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destination), filepath.Base(destination)+".partial-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", errdefs.ErrLocalIO)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	written, err := p.copyBody(tmp, hasher, resp.Body, task)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close staging file: %w", errdefs.ErrLocalIO)
	}
	if err != nil {
		return err
	}

	log.G(ctx).WithFields(map[string]interface{}{
		logfields.URL:   url,
		logfields.Bytes: written,
	}).Debug("download completed")

	if checksum != "" {
		computed := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(computed, checksum) {
			log.G(ctx).WithFields(map[string]interface{}{
				logfields.URL:      url,
				logfields.Checksum: computed,
			}).Warn("checksum mismatch")
			return fmt.Errorf("checksum %s does not match expected %s: %w",
				computed, checksum, errdefs.ErrNotValidated)
		}
	}

	if err := os.Rename(tmpPath, destination); err != nil {
		return fmt.Errorf("move artifact into place: %w", errdefs.ErrLocalIO)
	}

	task.Complete("download completed")
	return nil
}

// DownloadText fetches a small text payload with the short transfer
// timeout.
func (p *HTTP) DownloadText(ctx context.Context, url string) (_ string, err error) {
	operation := "cernvm::download::DownloadText"
	ctx, span := trace.StartSpan(ctx, operation)
	defer span.End()
	defer func() { oc.SetSpanStatus(span, err) }()
	span.AddAttributes(trace.StringAttribute(logfields.URL, url))

	p.enter()
	defer p.leave()

	if err := p.checkAborted(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, textTransferTimeout)
	defer cancel()

	resp, err := p.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sb strings.Builder
	if _, err := p.copyBody(&sb, io.Discard, resp.Body, nil); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (p *HTTP) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, errdefs.ErrIO)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, errdefs.ErrIO)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s: %w", url, resp.Status, errdefs.ErrIO)
	}
	return resp, nil
}

// copyBody streams the response body into w and hash, checking the abort
// flag and reporting progress at every chunk boundary.
func (p *HTTP) copyBody(w io.Writer, hash io.Writer, body io.Reader, task *progress.Task) (int64, error) {
	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := p.checkAborted(); err != nil {
			return written, err
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write payload: %w", errdefs.ErrLocalIO)
			}
			if _, werr := hash.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("hash payload: %w", errdefs.ErrLocalIO)
			}
			written += int64(n)
			task.Update(written)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read payload: %w", errdefs.ErrIO)
		}
	}
}
