package ext2

import "github.com/nanokern/kernel/internal/vfs"

// dirEntry mirrors the standard ext2_dir_entry_2 record: inode(4) +
// rec_len(2) + name_len(1) + file_type(1) + name. rec_len always rounds up
// to a 4-byte boundary so entries never straddle that alignment; the last
// entry in a block absorbs any remaining slack (spec.md: "Directory writes
// are atomic at block granularity").
type dirEntry struct {
	Ino     uint32
	RecLen  uint16
	NameLen uint8
	Type    uint8
	Name    string
}

const dirEntryHeaderSize = 8

func fileTypeByte(t vfs.Type) uint8 {
	switch t {
	case vfs.TypeDir:
		return 2
	case vfs.TypeChar:
		return 3
	case vfs.TypeBlock:
		return 4
	case vfs.TypeSymlink:
		return 7
	default:
		return 1
	}
}

func vfsTypeFromFileType(b uint8) vfs.Type {
	switch b {
	case 2:
		return vfs.TypeDir
	case 3:
		return vfs.TypeChar
	case 4:
		return vfs.TypeBlock
	case 7:
		return vfs.TypeSymlink
	default:
		return vfs.TypeFile
	}
}

func entrySize(nameLen int) uint16 {
	raw := dirEntryHeaderSize + nameLen
	return uint16((raw + 3) &^ 3)
}

func encodeDirEntry(buf []byte, e dirEntry) {
	putLeUint32(buf[0:], e.Ino)
	buf[4] = byte(e.RecLen)
	buf[5] = byte(e.RecLen >> 8)
	buf[6] = e.NameLen
	buf[7] = e.Type
	copy(buf[8:], e.Name)
}

func decodeDirEntry(buf []byte) dirEntry {
	ino := leUint32(buf[0:])
	recLen := uint16(buf[4]) | uint16(buf[5])<<8
	nameLen := buf[6]
	typ := buf[7]
	name := ""
	if nameLen > 0 && int(8+nameLen) <= len(buf) {
		name = string(buf[8 : 8+nameLen])
	}
	return dirEntry{Ino: ino, RecLen: recLen, NameLen: nameLen, Type: typ, Name: name}
}

// walkDirBlock calls fn for every entry (including unused ones, where
// Ino==0) in one directory block, stopping early if fn returns false.
func walkDirBlock(buf []byte, fn func(off int, e dirEntry) bool) {
	off := 0
	for off+dirEntryHeaderSize <= len(buf) {
		e := decodeDirEntry(buf[off:])
		if e.RecLen == 0 {
			break
		}
		if !fn(off, e) {
			return
		}
		off += int(e.RecLen)
	}
}
