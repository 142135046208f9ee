package fat16

import (
	"encoding/binary"
	"strings"

	"github.com/nanokern/kernel/internal/vfs"
)

// rawDirEntry is one on-disk 32-byte 8.3 directory entry.
type rawDirEntry struct {
	Name         [11]byte
	Attr         uint8
	FirstCluster uint32 // FstClusHI<<16 | FstClusLO (HI is always 0 on FAT16)
	FileSize     uint32
}

func decodeRawDirEntry(buf []byte) rawDirEntry {
	le := binary.LittleEndian
	var e rawDirEntry
	copy(e.Name[:], buf[0:11])
	e.Attr = buf[11]
	hi := uint32(le.Uint16(buf[20:]))
	lo := uint32(le.Uint16(buf[26:]))
	e.FirstCluster = hi<<16 | lo
	e.FileSize = le.Uint32(buf[28:])
	return e
}

func encodeRawDirEntry(buf []byte, e rawDirEntry) {
	le := binary.LittleEndian
	copy(buf[0:11], e.Name[:])
	buf[11] = e.Attr
	le.PutUint16(buf[20:], uint16(e.FirstCluster>>16))
	le.PutUint16(buf[26:], uint16(e.FirstCluster))
	le.PutUint32(buf[28:], e.FileSize)
}

// shortName renders the on-disk 8.3 Name field ("FOO     TXT") as "FOO.TXT",
// the classic DOS display form (no VFAT long-name decoding, per this
// driver's read-only/no-LFN scope).
func shortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// packShortName is shortName's inverse, used only by the test fixture
// builder to hand-construct directory entries.
func packShortName(name string) [11]byte {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}
	if name == "." || name == ".." {
		copy(raw[:], name) // "." and ".." are literal entries, never base+ext split
		return raw
	}
	base, ext, _ := strings.Cut(name, ".")
	copy(raw[0:8], strings.ToUpper(base))
	copy(raw[8:11], strings.ToUpper(ext))
	return raw
}

func typeFromAttr(attr uint8) vfs.Type {
	if attr&AttrDir != 0 {
		return vfs.TypeDir
	}
	return vfs.TypeFile
}

// walkDirEntries parses every live 8.3 entry out of a decoded directory's
// raw bytes, skipping VFAT long-name fragments, the volume label, and
// deleted slots, stopping at the first unused (all-zero) slot.
func walkDirEntries(buf []byte, fn func(raw rawDirEntry, name string)) {
	for off := 0; off+DirEntrySize <= len(buf); off += DirEntrySize {
		first := buf[off]
		if first == EndMarker {
			return
		}
		if first == DeletedMarker {
			continue
		}
		e := decodeRawDirEntry(buf[off:])
		if e.Attr&AttrLongName == AttrLongName {
			continue // VFAT long-name fragment, not a real entry
		}
		if e.Attr&AttrVolumeID != 0 {
			continue // volume label, not a file or directory
		}
		fn(e, shortName(e.Name))
	}
}
