package contextiso

import (
	"fmt"
	"time"
)

// ISO9660 constants for the fixed-capacity context image.
const (
	// SectorSize is the logical block size of the image.
	SectorSize = 2048

	// CDROMSize is the full capacity of the disc image.
	CDROMSize = 358400

	primaryDescriptorOffset = 0x8000
	terminatorOffset        = 0x8800
	pathTableLOffset        = 0x9800
	pathTableMOffset        = 0xA800

	rootDirOffset      = 0xB800
	ec2DirOffset       = 0xC000
	ec2LatestOffset    = 0xC800
	osDirOffset        = 0xD000
	osLatestOffset     = 0xD800
	contentsOffset     = 0xC000
	readmeOffset       = 0xE000
	ec2MetaOffset      = 0xE800
	ec2UserOffset      = 0xF000
	osMetaOffsetDflt   = 0xF800
	osUserOffsetDflt   = 0x10000
	secondaryDirOffset = 0xB800
)

// applicationID is the 128-byte application identifier carried in the
// primary volume descriptor.
const applicationID = "LIBCONTEXTISO - A TINY ISO 9660-COMPATIBLE FILESYSTEM CREATOR LIBRARY (C) 2012  I.CHARALAMPIDIS"

const (
	flagFile = 0x00
	flagDir  = 0x02
)

// putBothEndian32 stores x in the format's dual-endian 8-byte
// representation: 4 bytes little endian followed by 4 bytes big endian.
func putBothEndian32(buf []byte, x uint32) {
	buf[0] = byte(x)
	buf[1] = byte(x >> 8)
	buf[2] = byte(x >> 16)
	buf[3] = byte(x >> 24)
	buf[4] = byte(x >> 24)
	buf[5] = byte(x >> 16)
	buf[6] = byte(x >> 8)
	buf[7] = byte(x)
}

// putBothEndian16 stores x as 2 bytes little endian then 2 bytes big
// endian.
func putBothEndian16(buf []byte, x uint16) {
	buf[0] = byte(x)
	buf[1] = byte(x >> 8)
	buf[2] = byte(x >> 8)
	buf[3] = byte(x)
}

// descriptorDate renders the 17-byte descriptor timestamp: 14 decimal
// digits, a millisecond field of "00", and the trailing GMT-offset byte.
func descriptorDate(now time.Time) []byte {
	t := now.UTC()
	return []byte(fmt.Sprintf("%04d%02d%02d%02d%02d%02d000",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second()))
}

// zeroDate is the "not specified" descriptor timestamp.
var zeroDate = []byte("00000000000000000")

// recordDate renders the 7-byte binary directory-record timestamp.
func recordDate(now time.Time) []byte {
	t := now.UTC()
	return []byte{
		byte(t.Year() - 1900),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
		0, // GMT offset
	}
}

// dirRecord serializes one ISO9660 directory record.
func dirRecord(name []byte, extent, size uint32, flags byte, now time.Time) []byte {
	recLen := 33 + len(name)
	if recLen%2 != 0 {
		recLen++ // pad to even length
	}
	rec := make([]byte, recLen)
	rec[0] = byte(recLen)
	putBothEndian32(rec[2:], extent)
	putBothEndian32(rec[10:], size)
	copy(rec[18:], recordDate(now))
	rec[25] = flags
	putBothEndian16(rec[28:], 1) // volume sequence number
	rec[32] = byte(len(name))
	copy(rec[33:], name)
	return rec
}

var (
	nameSelf   = []byte{0}
	nameParent = []byte{1}
)

// writeDirectory fills one directory sector: the self/parent records
// followed by the given entries.
func writeDirectory(buf []byte, offset int, self, parent uint32, now time.Time, entries ...[]byte) {
	pos := offset
	for _, rec := range [][]byte{
		dirRecord(nameSelf, self, SectorSize, flagDir, now),
		dirRecord(nameParent, parent, SectorSize, flagDir, now),
	} {
		copy(buf[pos:], rec)
		pos += len(rec)
	}
	for _, rec := range entries {
		copy(buf[pos:], rec)
		pos += len(rec)
	}
}

type pathTableEntry struct {
	name   []byte
	extent uint32
	parent uint16
}

// writePathTable serializes the path table at offset; bigEndian selects the
// type-M encoding. It returns the table size in bytes.
func writePathTable(buf []byte, offset int, entries []pathTableEntry, bigEndian bool) uint32 {
	pos := offset
	for _, e := range entries {
		rec := make([]byte, 8+len(e.name)+len(e.name)%2)
		rec[0] = byte(len(e.name))
		if bigEndian {
			rec[2] = byte(e.extent >> 24)
			rec[3] = byte(e.extent >> 16)
			rec[4] = byte(e.extent >> 8)
			rec[5] = byte(e.extent)
			rec[6] = byte(e.parent >> 8)
			rec[7] = byte(e.parent)
		} else {
			rec[2] = byte(e.extent)
			rec[3] = byte(e.extent >> 8)
			rec[4] = byte(e.extent >> 16)
			rec[5] = byte(e.extent >> 24)
			rec[6] = byte(e.parent)
			rec[7] = byte(e.parent >> 8)
		}
		copy(rec[8:], e.name)
		copy(buf[pos:], rec)
		pos += len(rec)
	}
	return uint32(pos - offset)
}

// writePrimaryDescriptor fills the primary volume descriptor sector.
// volumeSectors is the recorded volume size in sectors; pathTableSize the
// byte length of one path table.
func writePrimaryDescriptor(buf []byte, volumeID string, volumeSectors, pathTableSize uint32, now time.Time) {
	d := buf[primaryDescriptorOffset:]

	d[0] = 1
	copy(d[1:], "CD001")
	d[6] = 1

	fill(d[8:40], ' ')   // system id
	fill(d[40:72], ' ')  // volume id, patched below
	if len(volumeID) > 31 {
		volumeID = volumeID[:31]
	}
	copy(d[40:], volumeID)

	putBothEndian32(d[80:], volumeSectors)
	putBothEndian16(d[120:], 1)          // volume set size
	putBothEndian16(d[124:], 1)          // volume sequence number
	putBothEndian16(d[128:], SectorSize) // logical block size
	putBothEndian32(d[132:], pathTableSize)

	// Type-L table location (little endian), then type-M (big endian).
	lSector := uint32(pathTableLOffset / SectorSize)
	d[140] = byte(lSector)
	d[141] = byte(lSector >> 8)
	d[142] = byte(lSector >> 16)
	d[143] = byte(lSector >> 24)
	mSector := uint32(pathTableMOffset / SectorSize)
	d[148] = byte(mSector >> 24)
	d[149] = byte(mSector >> 16)
	d[150] = byte(mSector >> 8)
	d[151] = byte(mSector)

	copy(d[156:], dirRecord(nameSelf, rootDirOffset/SectorSize, SectorSize, flagDir, now))

	fill(d[190:318], ' ') // volume set id
	fill(d[318:446], ' ') // publisher id
	fill(d[446:574], ' ') // preparer id
	fill(d[574:702], ' ')
	copy(d[574:], applicationID)
	fill(d[702:813], ' ') // copyright/abstract/bibliographic file ids

	date := descriptorDate(now)
	copy(d[813:], date)     // creation
	copy(d[830:], date)     // modification
	copy(d[847:], zeroDate) // expiration
	copy(d[864:], date)     // effective

	d[881] = 1 // file structure version
}

// writeTerminator fills the volume descriptor set terminator sector.
func writeTerminator(buf []byte) {
	d := buf[terminatorOffset:]
	d[0] = 255
	copy(d[1:], "CD001")
	d[6] = 1
}

func fill(b []byte, c byte) {
	for i := range b {
		b[i] = c
	}
}

// copyCapped copies src into buf at offset, truncating at the end of the
// image. Oversized content is lost, not reported.
func copyCapped(buf []byte, offset int, src []byte) {
	if offset >= len(buf) {
		return
	}
	copy(buf[offset:], src)
}

// volumeSize computes the recorded volume size in sectors for dataSize
// bytes of content, capped at the image's data region.
func volumeSize(dataSize int) uint32 {
	if dataSize > CDROMSize-contentsOffset {
		dataSize = CDROMSize - contentsOffset
	}
	if dataSize < 1 {
		dataSize = 1
	}
	return uint32(1 + (dataSize-1)/SectorSize)
}

// alignSector rounds offset up to the next sector boundary.
func alignSector(offset int) int {
	for offset%SectorSize != 0 {
		offset++
	}
	return offset
}
