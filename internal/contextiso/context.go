// Package contextiso builds the contextualization media attached to a
// virtual machine: a fixed-size ISO9660 disc carrying the user data on
// the paths amiconfig and cloud-init read, and a raw floppy image for
// hypervisors that take contextualization over floppy instead.
//
// The disc layout is fully static. Every descriptor, table and payload
// region lives at a hard-coded offset, so two builds with the same inputs
// and timestamp are byte-identical.
package contextiso

import (
	"strings"
	"time"
)

// FloppySize is the capacity of the raw floppy image (1.44 MB).
const FloppySize = 1474560

// readmeContent documents the two contextualization paths for anyone
// inspecting the disc.
const readmeContent = "We support two ways of contextualization: through amiconfig and cloud init.\n" +
	"Amiconfig and cloud-init pick up the (same) user-data from different paths.\n" +
	"\n" +
	"Amiconfig:\n" +
	"Amiconfig data are put (in the plaintext format) to the \"/ec2/latest/user-data\" file.\n" +
	"\"ec2/latest/meta-data.json\" contains only an empty dictionary.\n" +
	"\n" +
	"Cloud init:\n" +
	"Cloud init data are put (in the plaintext format) to the \"/openstack/latest/user_data\" file.\n" +
	"\"/openstack/latest/meta_data.json\" contains only an empty dictionary.\n"

// metaDataContent is served on both meta-data paths. Contextualization
// travels entirely in user-data; the dictionary content is never read.
const metaDataContent = "{\n    \"uuid\": \"83679162-1378-4288-a2d4-70e13ec132aa\"\n}\n"

// Build creates the dual-path contextualization disc: userData is exposed
// as /ec2/latest/user-data and /openstack/latest/user_data, next to the
// fixed meta-data dictionaries and the README. The volume label is
// truncated to 31 characters. Payloads that do not fit the data region
// are silently cut at the end of the image.
func Build(volumeID string, userData []byte, now time.Time) []byte {
	buf := make([]byte, CDROMSize)

	metaLen := len(metaDataContent)
	readmeLen := len(readmeContent)
	contentLen := len(userData)

	// Two user-data copies, two meta-data copies and the README share the
	// data region.
	dataSize := 2*contentLen + 2*metaLen + readmeLen
	writePrimaryDescriptor(buf, volumeID, volumeSize(dataSize), pathTableSize(), now)
	writeTerminator(buf)
	writePathTables(buf)

	// The openstack payloads move past the ec2 user-data when it spills
	// over its default slot. Both offsets realign to sector boundaries.
	osMetaOffset := osMetaOffsetDflt
	osUserOffset := osUserOffsetDflt
	if ec2UserOffset+contentLen >= osMetaOffset {
		osMetaOffset = alignSector(ec2UserOffset + contentLen + 1)
		osUserOffset = alignSector(osMetaOffset + metaLen + 1)
	}

	writeDirectory(buf, rootDirOffset,
		rootDirOffset/SectorSize, rootDirOffset/SectorSize, now,
		dirRecord([]byte("EC2"), ec2DirOffset/SectorSize, SectorSize, flagDir, now),
		dirRecord([]byte("OPENSTACK"), osDirOffset/SectorSize, SectorSize, flagDir, now),
		dirRecord([]byte("README.TXT;1"), readmeOffset/SectorSize, uint32(readmeLen), flagFile, now),
	)
	writeDirectory(buf, ec2DirOffset,
		ec2DirOffset/SectorSize, rootDirOffset/SectorSize, now,
		dirRecord([]byte("LATEST"), ec2LatestOffset/SectorSize, SectorSize, flagDir, now),
	)
	writeDirectory(buf, ec2LatestOffset,
		ec2LatestOffset/SectorSize, ec2DirOffset/SectorSize, now,
		dirRecord([]byte("META-DATA.JSON;1"), ec2MetaOffset/SectorSize, uint32(metaLen), flagFile, now),
		dirRecord([]byte("USER-DATA;1"), ec2UserOffset/SectorSize, uint32(contentLen), flagFile, now),
	)
	writeDirectory(buf, osDirOffset,
		osDirOffset/SectorSize, rootDirOffset/SectorSize, now,
		dirRecord([]byte("LATEST"), osLatestOffset/SectorSize, SectorSize, flagDir, now),
	)
	writeDirectory(buf, osLatestOffset,
		osLatestOffset/SectorSize, osDirOffset/SectorSize, now,
		dirRecord([]byte("META_DATA.JSON;1"), uint32(osMetaOffset/SectorSize), uint32(metaLen), flagFile, now),
		dirRecord([]byte("USER_DATA;1"), uint32(osUserOffset/SectorSize), uint32(contentLen), flagFile, now),
	)

	copyCapped(buf, readmeOffset, []byte(readmeContent))
	copyCapped(buf, ec2MetaOffset, []byte(metaDataContent))
	copyCapped(buf, ec2UserOffset, userData)
	copyCapped(buf, osMetaOffset, []byte(metaDataContent))
	copyCapped(buf, osUserOffset, userData)

	return buf
}

// BuildSimple creates a disc carrying a single file in the root
// directory. The filename is cut at 10 characters, uppercased, spaces
// become underscores and the ";1" revision suffix is appended.
func BuildSimple(volumeID, filename string, content []byte, now time.Time) []byte {
	buf := make([]byte, CDROMSize)

	dataSize := len(content)
	if dataSize > CDROMSize-contentsOffset {
		dataSize = CDROMSize - contentsOffset
	}

	writePrimaryDescriptor(buf, volumeID, volumeSize(dataSize), simplePathTableSize(), now)
	writeTerminator(buf)
	writeSimplePathTables(buf)

	writeDirectory(buf, secondaryDirOffset,
		secondaryDirOffset/SectorSize, secondaryDirOffset/SectorSize, now,
		dirRecord([]byte(mangleFilename(filename)), contentsOffset/SectorSize, uint32(dataSize), flagFile, now),
	)
	copy(buf[contentsOffset:], content[:dataSize])

	return buf
}

// BuildFloppy creates the raw floppy variant: the user data at the start
// of a zero-filled 1.44 MB image, truncated at capacity. The guest-side
// agent reads until the first NUL byte.
func BuildFloppy(userData []byte) []byte {
	buf := make([]byte, FloppySize)
	copy(buf, userData)
	return buf
}

// mangleFilename maps an arbitrary name onto the 8.3-style identifier
// recorded on the disc.
func mangleFilename(name string) string {
	if len(name) > 10 {
		name = name[:10]
	}
	name = strings.ToUpper(name)
	name = strings.ReplaceAll(name, " ", "_")
	return name + ";1"
}

// writePathTables records the directory hierarchy of the dual-path disc
// in both path table encodings.
func writePathTables(buf []byte) {
	entries := []pathTableEntry{
		{nameSelf, rootDirOffset / SectorSize, 1},
		{[]byte("EC2"), ec2DirOffset / SectorSize, 1},
		{[]byte("OPENSTACK"), osDirOffset / SectorSize, 1},
		{[]byte("LATEST"), ec2LatestOffset / SectorSize, 2},
		{[]byte("LATEST"), osLatestOffset / SectorSize, 3},
	}
	writePathTable(buf, pathTableLOffset, entries, false)
	writePathTable(buf, pathTableMOffset, entries, true)
}

func pathTableSize() uint32 {
	// root + EC2 + OPENSTACK + 2x LATEST
	return 10 + 12 + 18 + 14 + 14
}

func writeSimplePathTables(buf []byte) {
	entries := []pathTableEntry{
		{nameSelf, secondaryDirOffset / SectorSize, 1},
	}
	writePathTable(buf, pathTableLOffset, entries, false)
	writePathTable(buf, pathTableMOffset, entries, true)
}

func simplePathTableSize() uint32 {
	return 10
}
