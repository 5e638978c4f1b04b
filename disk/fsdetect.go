package disk

import (
	"bytes"
	"encoding/binary"
	"io"
)

type fsSignature struct {
	name      string
	signature []byte
	offset    int64
}

// Order matters: the FAT variants are told apart by their type string before
// the generic boot signature is consulted.
var fsSignatures = []fsSignature{
	{name: "fat32", signature: []byte("FAT32   "), offset: 0x52},
	{name: "fat16", signature: []byte("FAT16   "), offset: 0x36},
	{name: "fat12", signature: []byte("FAT12   "), offset: 0x36},
	{name: "exfat", signature: []byte("EXFAT   "), offset: 3},
	{name: "ntfs", signature: []byte("NTFS    "), offset: 3},
	{name: "iso9660", signature: []byte("CD001"), offset: 0x8001},
	{name: "hfsplus", signature: []byte{'H', '+', 0x00, 0x04}, offset: 0x400},
	{name: "apfs", signature: []byte("NXSB"), offset: 0x20},
	{name: "btrfs", signature: []byte("_BHRfS_M"), offset: 0x10040},
	{name: "xfs", signature: []byte("XFSB"), offset: 0},
	{name: "f2fs", signature: []byte{0x10, 0x20, 0xF5, 0xF2}, offset: 0x400},
	{name: "squashfs", signature: []byte("hsqs"), offset: 0},
}

// fsProbeSpan covers the furthest signature DetectFileSystem reads.
const fsProbeSpan = 0x10048

// DetectFileSystem identifies the filesystem starting at offset by its
// on-disk signature. It returns "" when nothing is recognised.
func DetectFileSystem(r io.ReaderAt, offset int64) string {
	for _, fs := range fsSignatures {
		buf := make([]byte, len(fs.signature))
		if _, err := r.ReadAt(buf, offset+fs.offset); err != nil {
			continue
		}
		if bytes.Equal(buf, fs.signature) {
			return fs.name
		}
	}
	if fs := detectExtFileSystem(r, offset); fs != "" {
		return fs
	}
	return detectContainer(r, offset)
}

// detectExtFileSystem reads the ext2/3/4 superblock feature flags.
func detectExtFileSystem(r io.ReaderAt, offset int64) string {
	const superblockOffset = 0x400
	buf := make([]byte, 0x68)
	if _, err := r.ReadAt(buf, offset+superblockOffset); err != nil {
		return ""
	}
	if binary.LittleEndian.Uint16(buf[0x38:0x3a]) != 0xEF53 {
		return ""
	}
	incompat := binary.LittleEndian.Uint32(buf[0x60:0x64])
	compat := binary.LittleEndian.Uint32(buf[0x5c:0x60])
	switch {
	case incompat&0x40 != 0: // extents
		return "ext4"
	case compat&0x4 != 0: // journal
		return "ext3"
	}
	return "ext2"
}

const mdMagic = 0xA92B4EFC

// detectContainer recognises volume containers that hold a filesystem
// rather than being one. Names follow blkid.
func detectContainer(r io.ReaderAt, offset int64) string {
	head := make([]byte, 8)
	if _, err := r.ReadAt(head, offset); err == nil && bytes.Equal(head[:6], []byte{'L', 'U', 'K', 'S', 0xBA, 0xBE}) {
		if v := binary.BigEndian.Uint16(head[6:8]); v == 1 || v == 2 {
			return "crypto_LUKS"
		}
	}
	// The LVM2 label sits in one of the first four sectors.
	sec := make([]byte, sectorSize)
	for i := int64(0); i < 4; i++ {
		if _, err := r.ReadAt(sec, offset+i*sectorSize); err != nil {
			break
		}
		if bytes.Equal(sec[:8], []byte("LABELONE")) && bytes.Equal(sec[24:32], []byte("LVM2 001")) {
			return "LVM2_member"
		}
	}
	// MD superblock 1.1 at the start, 1.2 at 4 KiB.
	magic := make([]byte, 4)
	for _, off := range []int64{0, 4096} {
		if _, err := r.ReadAt(magic, offset+off); err != nil {
			continue
		}
		if binary.LittleEndian.Uint32(magic) == mdMagic {
			return "linux_raid_member"
		}
	}
	return ""
}
