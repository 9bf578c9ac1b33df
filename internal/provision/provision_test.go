package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/cernvm/libcernvm/internal/download"
	"github.com/cernvm/libcernvm/internal/errdefs"
	"github.com/cernvm/libcernvm/internal/progress"
)

// fakeProvider is a scripted download.Provider: it serves canned text
// responses and writes a fixed payload for file transfers, failing the
// first failFiles file calls with failErr.
type fakeProvider struct {
	payload   []byte
	texts     map[string]string
	failFiles int
	failErr   error

	fileCalls int
	textCalls int
	checksums []string
}

func (f *fakeProvider) DownloadFile(ctx context.Context, url, destination, checksum string, task *progress.Task) error {
	f.fileCalls++
	f.checksums = append(f.checksums, checksum)
	if f.fileCalls <= f.failFiles {
		return f.failErr
	}
	return os.WriteFile(destination, f.payload, 0600)
}

func (f *fakeProvider) DownloadText(ctx context.Context, url string) (string, error) {
	f.textCalls++
	text, ok := f.texts[url]
	if !ok {
		return "", fmt.Errorf("no scripted response for %s: %w", url, errdefs.ErrIO)
	}
	return text, nil
}

func (f *fakeProvider) Abort()                   {}
func (f *fakeProvider) AbortAll()                {}
func (f *fakeProvider) ClearAbort()              {}
func (f *fakeProvider) Clone() download.Provider { return f }
func (f *fakeProvider) ActiveOperations() int    { return 0 }

func newPipeline(f *fakeProvider, cacheDir string) *Pipeline {
	return New(f, cacheDir, WithRetryInterval(time.Millisecond))
}

func TestRetryBudgetSucceedsOnLastAttempt(t *testing.T) {
	f := &fakeProvider{
		payload:   []byte("image"),
		failFiles: 3,
		failErr:   fmt.Errorf("connection reset: %w", errdefs.ErrIO),
	}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "disk.iso")
	if err := p.DownloadFile(context.Background(), "http://x/disk.iso", dest, "", 3, nil); err != nil {
		t.Fatal(err)
	}
	if f.fileCalls != 4 {
		t.Fatalf("fileCalls = %d, want 4", f.fileCalls)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := &fakeProvider{
		payload:   []byte("image"),
		failFiles: 4,
		failErr:   fmt.Errorf("connection reset: %w", errdefs.ErrIO),
	}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "disk.iso")
	err := p.DownloadFile(context.Background(), "http://x/disk.iso", dest, "", 3, nil)
	if !errors.Is(err, errdefs.ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
	if f.fileCalls != 4 {
		t.Fatalf("fileCalls = %d, want exactly 4 (budget + first attempt)", f.fileCalls)
	}
}

func TestChecksumFailureIsNotRetried(t *testing.T) {
	f := &fakeProvider{
		failFiles: 10,
		failErr:   fmt.Errorf("digest mismatch: %w", errdefs.ErrNotValidated),
	}
	p := newPipeline(f, t.TempDir())

	err := p.DownloadFile(context.Background(), "http://x/a", filepath.Join(t.TempDir(), "a"), "deadbeef", 5, nil)
	if !errors.Is(err, errdefs.ErrNotValidated) {
		t.Fatalf("err = %v, want ErrNotValidated", err)
	}
	if f.fileCalls != 1 {
		t.Fatalf("fileCalls = %d, want 1 (validation failures are final)", f.fileCalls)
	}
}

func TestAbortIsNotRetried(t *testing.T) {
	f := &fakeProvider{
		failFiles: 10,
		failErr:   errdefs.ErrAborted,
	}
	p := newPipeline(f, t.TempDir())

	err := p.DownloadFile(context.Background(), "http://x/a", filepath.Join(t.TempDir(), "a"), "", 5, nil)
	if !errors.Is(err, errdefs.ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if f.fileCalls != 1 {
		t.Fatalf("fileCalls = %d, want 1", f.fileCalls)
	}
}

func TestLocalIOFailureIsNotRetried(t *testing.T) {
	f := &fakeProvider{
		failFiles: 10,
		failErr:   fmt.Errorf("create staging file: %w", errdefs.ErrLocalIO),
	}
	p := newPipeline(f, t.TempDir())

	err := p.DownloadFile(context.Background(), "http://x/a", filepath.Join(t.TempDir(), "a"), "", 5, nil)
	if !errors.Is(err, errdefs.ErrLocalIO) {
		t.Fatalf("err = %v, want ErrLocalIO", err)
	}
	if f.fileCalls != 1 {
		t.Fatalf("fileCalls = %d, want 1 (local failures are final)", f.fileCalls)
	}
}

func TestDownloadFileCreatesDestinationDir(t *testing.T) {
	f := &fakeProvider{payload: []byte("disk")}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "cache", "hdd", "disk.img")
	if err := p.DownloadFile(context.Background(), "http://x/disk.img", dest, "", 0, nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "disk" {
		t.Fatalf("payload = %q, want %q", data, "disk")
	}
}

func TestDownloadFileURLFetchesChecksumFirst(t *testing.T) {
	f := &fakeProvider{
		payload: []byte("image"),
		texts: map[string]string{
			"http://x/disk.iso.sha256": "0123abcd  disk.iso\n",
		},
	}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "disk.iso")
	if err := p.DownloadFileURL(context.Background(), "http://x/disk.iso", "http://x/disk.iso.sha256", dest, 0, nil); err != nil {
		t.Fatal(err)
	}
	if len(f.checksums) != 1 || f.checksums[0] != "0123abcd" {
		t.Fatalf("checksums passed to provider = %v, want [0123abcd]", f.checksums)
	}
}

func TestDownloadFileGZ(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write([]byte("expanded disk image"))
	zw.Close()

	f := &fakeProvider{payload: compressed.Bytes()}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "disk.img")
	if err := p.DownloadFileGZ(context.Background(), "http://x/disk.img.gz", dest, "", 0, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "expanded disk image" {
		t.Fatalf("expanded content = %q", got)
	}
	if _, err := os.Stat(dest + ".gz"); !os.IsNotExist(err) {
		t.Fatal("compressed intermediate not cleaned up")
	}
}

func TestDownloadFileGZCorruptArchive(t *testing.T) {
	f := &fakeProvider{payload: []byte("this is not gzip data")}
	p := newPipeline(f, t.TempDir())

	dest := filepath.Join(t.TempDir(), "disk.img")
	err := p.DownloadFileGZ(context.Background(), "http://x/disk.img.gz", dest, "", 0, nil)
	if !errors.Is(err, ErrDecompress) {
		t.Fatalf("err = %v, want ErrDecompress", err)
	}
	if errors.Is(err, errdefs.ErrIO) {
		t.Fatal("decompression failure must be distinct from transport failure")
	}
	if _, serr := os.Stat(dest); !os.IsNotExist(serr) {
		t.Fatal("destination exists after decompression failure")
	}
}

func TestCernVMDownloadResolvesLatest(t *testing.T) {
	imageURL := DefaultReleaseBaseURL + "/ucernvm-images.2.1-9.cernvm.x86_64/ucernvm-prod.2.1-9.cernvm.x86_64.iso"
	f := &fakeProvider{
		payload: []byte("iso payload"),
		texts: map[string]string{
			DefaultReleaseBaseURL + "/latest": "2.1-9\n",
			imageURL + ".sha256":              "cafe1234  image.iso\n",
		},
	}
	cache := t.TempDir()
	p := newPipeline(f, cache)

	version := "latest"
	path, err := p.CernVMDownload(context.Background(), &version, "prod", "x86_64", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if version != "2.1-9" {
		t.Fatalf("version rewritten to %q, want 2.1-9", version)
	}
	want := filepath.Join(cache, "ucernvm-prod-2.1-9-x86_64.iso")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

func TestCernVMDownloadCacheHitSkipsNetwork(t *testing.T) {
	cache := t.TempDir()
	cached := filepath.Join(cache, "ucernvm-prod-2.1-9-x86_64.iso")
	if err := os.WriteFile(cached, []byte("iso"), 0600); err != nil {
		t.Fatal(err)
	}

	f := &fakeProvider{}
	p := newPipeline(f, cache)

	version := "2.1-9"
	path, err := p.CernVMDownload(context.Background(), &version, "prod", "x86_64", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if path != cached {
		t.Fatalf("path = %q, want cache entry %q", path, cached)
	}
	if f.fileCalls != 0 || f.textCalls != 0 {
		t.Fatalf("provider contacted on cache hit: files=%d texts=%d", f.fileCalls, f.textCalls)
	}
}

func TestCernVMCachedRejectsEmptyEntry(t *testing.T) {
	cache := t.TempDir()
	p := newPipeline(&fakeProvider{}, cache)

	cached := filepath.Join(cache, "ucernvm-prod-2.1-9-x86_64.iso")
	if err := os.WriteFile(cached, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.CernVMCached("2.1-9", "prod", "x86_64"); ok {
		t.Fatal("zero-byte cache entry treated as hit")
	}

	if err := os.WriteFile(cached, []byte("iso"), 0600); err != nil {
		t.Fatal(err)
	}
	path, ok := p.CernVMCached("2.1-9", "prod", "x86_64")
	if !ok || path != cached {
		t.Fatalf("cache lookup = %q, %v; want %q, true", path, ok, cached)
	}
}

func TestCernVMVersion(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ucernvm-prod-2.1-9-x86_64.iso", "2.1-9"},
		{"/data/cache/ucernvm-devel-2.0-1-i386.iso", "2.0-1"},
		{"random.iso", ""},
	}
	for _, c := range cases {
		if got := CernVMVersion(c.in); got != c.want {
			t.Errorf("CernVMVersion(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildContextISO(t *testing.T) {
	p := newPipeline(&fakeProvider{}, t.TempDir())

	dir := t.TempDir()
	path, err := p.BuildContextISO(context.Background(), "83679162-1378-4288-a2d4-70e13ec132aa", []byte("[cernvm]\n"), dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("image written to %q, want under %q", path, dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 358400 {
		t.Fatalf("image size = %d, want 358400", info.Size())
	}
}

func TestBuildFloppyIO(t *testing.T) {
	p := newPipeline(&fakeProvider{}, t.TempDir())

	path, err := p.BuildFloppyIO(context.Background(), "uuid-1", []byte("user data"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1474560 {
		t.Fatalf("floppy size = %d, want 1474560", info.Size())
	}
}
