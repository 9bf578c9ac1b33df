package contextiso

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var buildTime = time.Date(2024, time.May, 14, 9, 30, 0, 0, time.UTC)

func TestBuildIsDeterministic(t *testing.T) {
	a := Build("CVM-1234", []byte("[cernvm]\nusers=user:users;\n"), buildTime)
	b := Build("CVM-1234", []byte("[cernvm]\nusers=user:users;\n"), buildTime)
	if !bytes.Equal(a, b) {
		t.Fatal("identical inputs produced different images")
	}
	if len(a) != CDROMSize {
		t.Fatalf("image size = %d, want %d", len(a), CDROMSize)
	}
}

func TestPrimaryDescriptor(t *testing.T) {
	img := Build("CONTEXT-42", []byte("user data"), buildTime)
	d := img[0x8000:]

	if d[0] != 1 || string(d[1:6]) != "CD001" {
		t.Fatalf("descriptor header = % x", d[:7])
	}
	if got := strings.TrimRight(string(d[40:72]), " "); got != "CONTEXT-42" {
		t.Fatalf("volume id = %q", got)
	}
	if got := string(d[813:830]); got != "20240514093000000" {
		t.Fatalf("creation date = %q", got)
	}
	if img[0x8800] != 255 || string(img[0x8801:0x8806]) != "CD001" {
		t.Fatal("descriptor set terminator missing")
	}
}

func TestVolumeIDTruncatedTo31(t *testing.T) {
	long := strings.Repeat("V", 40)
	img := Build(long, nil, buildTime)
	got := strings.TrimRight(string(img[0x8000+40:0x8000+72]), " ")
	if got != strings.Repeat("V", 31) {
		t.Fatalf("volume id = %q (len %d), want 31 chars", got, len(got))
	}
}

// readExtentAndSize decodes the little-endian halves of the dual-endian
// extent and size fields of the directory record starting at off.
func readExtentAndSize(t *testing.T, img []byte, off int) (extent, size uint32) {
	t.Helper()
	if img[off] == 0 {
		t.Fatalf("no directory record at 0x%X", off)
	}
	extent = binary.LittleEndian.Uint32(img[off+2:])
	size = binary.LittleEndian.Uint32(img[off+10:])
	return extent, size
}

// findRecord walks the directory sector at dirOff looking for name.
func findRecord(t *testing.T, img []byte, dirOff int, name string) int {
	t.Helper()
	pos := dirOff
	for img[pos] != 0 {
		recLen := int(img[pos])
		nameLen := int(img[pos+32])
		if string(img[pos+33:pos+33+nameLen]) == name {
			return pos
		}
		pos += recLen
	}
	t.Fatalf("record %q not found in directory at 0x%X", name, dirOff)
	return 0
}

func TestDualEndianEncoding(t *testing.T) {
	img := Build("X", []byte("payload"), buildTime)
	rec := findRecord(t, img, 0xB800, "README.TXT;1")

	le := binary.LittleEndian.Uint32(img[rec+2:])
	be := binary.BigEndian.Uint32(img[rec+6:])
	if le != be {
		t.Fatalf("extent halves disagree: le=%d be=%d", le, be)
	}
	if le != 0xE000/2048 {
		t.Fatalf("README extent = %d, want %d", le, 0xE000/2048)
	}
}

func TestDefaultPayloadPlacement(t *testing.T) {
	userData := []byte("small payload")
	img := Build("X", userData, buildTime)

	if got := string(img[0xF000 : 0xF000+len(userData)]); got != string(userData) {
		t.Fatalf("ec2 user-data = %q", got)
	}
	if got := string(img[0x10000 : 0x10000+len(userData)]); got != string(userData) {
		t.Fatalf("openstack user_data = %q", got)
	}

	rec := findRecord(t, img, 0xD800, "USER_DATA;1")
	extent, size := readExtentAndSize(t, img, rec)
	if extent != 0x10000/2048 {
		t.Fatalf("user_data extent = %d, want %d", extent, 0x10000/2048)
	}
	if size != uint32(len(userData)) {
		t.Fatalf("user_data size = %d, want %d", size, len(userData))
	}
}

func TestRelocationOnLargePayload(t *testing.T) {
	// Larger than the gap between the ec2 user-data slot and the default
	// openstack metadata slot.
	userData := bytes.Repeat([]byte("x"), 5000)
	img := Build("X", userData, buildTime)

	metaRec := findRecord(t, img, 0xD800, "META_DATA.JSON;1")
	userRec := findRecord(t, img, 0xD800, "USER_DATA;1")
	metaExtent, metaSize := readExtentAndSize(t, img, metaRec)
	userExtent, _ := readExtentAndSize(t, img, userRec)

	metaOff := int(metaExtent) * 2048
	userOff := int(userExtent) * 2048

	// Both slots move past the spilled ec2 payload, sector aligned.
	if metaOff < 0xF000+len(userData) {
		t.Fatalf("openstack metadata at 0x%X overlaps ec2 user-data ending at 0x%X",
			metaOff, 0xF000+len(userData))
	}
	if userOff < metaOff+int(metaSize) {
		t.Fatalf("openstack user_data at 0x%X overlaps metadata ending at 0x%X",
			userOff, metaOff+int(metaSize))
	}

	// The relocated regions actually hold the payloads.
	if got := string(img[metaOff : metaOff+int(metaSize)]); !strings.Contains(got, "uuid") {
		t.Fatalf("relocated metadata = %q", got)
	}
	if got := img[userOff : userOff+len(userData)]; !bytes.Equal(got, userData) {
		t.Fatal("relocated user_data payload mismatch")
	}
}

func TestOversizedPayloadTruncatedAtCapacity(t *testing.T) {
	userData := bytes.Repeat([]byte("y"), CDROMSize)
	img := Build("X", userData, buildTime)
	if len(img) != CDROMSize {
		t.Fatalf("image grew to %d bytes", len(img))
	}
	// The tail of the image is payload, cut at the boundary.
	if img[CDROMSize-1] != 'y' {
		t.Fatalf("last byte = %q, want truncated payload", img[CDROMSize-1])
	}
}

func TestBuildSimple(t *testing.T) {
	content := []byte("#!/bin/sh\necho contextualized\n")
	img := BuildSimple("MYDISK", "context script.sh", content, buildTime)

	rec := findRecord(t, img, 0xB800, "CONTEXT_SC;1")
	extent, size := readExtentAndSize(t, img, rec)
	if extent != 0xC000/2048 {
		t.Fatalf("extent = %d, want %d", extent, 0xC000/2048)
	}
	if size != uint32(len(content)) {
		t.Fatalf("size = %d, want %d", size, len(content))
	}
	if diff := cmp.Diff(string(content), string(img[0xC000:0xC000+len(content)])); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestMangleFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"context.sh", "CONTEXT.SH;1"},
		{"a b", "A_B;1"},
		{"verylongfilename.txt", "VERYLONGFI;1"},
	}
	for _, c := range cases {
		if got := mangleFilename(c.in); got != c.want {
			t.Errorf("mangleFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildFloppy(t *testing.T) {
	userData := []byte("[amiconfig]\nplugins=cernvm\n")
	img := BuildFloppy(userData)
	if len(img) != FloppySize {
		t.Fatalf("floppy size = %d, want %d", len(img), FloppySize)
	}
	if got := string(img[:len(userData)]); got != string(userData) {
		t.Fatalf("payload = %q", got)
	}
	if img[len(userData)] != 0 {
		t.Fatal("payload not NUL terminated by zero fill")
	}

	big := bytes.Repeat([]byte("z"), FloppySize+100)
	if got := BuildFloppy(big); len(got) != FloppySize {
		t.Fatalf("oversized floppy = %d bytes", len(got))
	}
}
