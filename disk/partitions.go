package disk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"
)

// Partition is one entry of an MBR or GPT partition table.
type Partition struct {
	Number     int    `json:"number"`
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	Bootable   bool   `json:"bootable,omitempty"`
	Logical    bool   `json:"logical,omitempty"`
	StartLBA   uint64 `json:"startLba"`
	Sectors    uint64 `json:"sectors"`
	SizeBytes  uint64 `json:"sizeBytes"`
	FileSystem string `json:"fileSystem,omitempty"`
	UniqueGUID string `json:"uniqueGuid,omitempty"`
}

// PartitionTable is the layout found at the start of an image or device.
type PartitionTable struct {
	Scheme     string      `json:"scheme"` // "mbr", "gpt" or "" when none
	Partitions []Partition `json:"partitions"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// ErrNoPartitionTable is returned when neither an MBR nor a GPT is present.
var ErrNoPartitionTable = errors.New("no partition table")

type mbrEntry struct {
	Status      uint8
	_           [3]byte
	Type        uint8
	_           [3]byte
	FirstSector uint32
	Sectors     uint32
}

type mbrSector struct {
	_          [446]byte
	Partitions [4]mbrEntry
	Signature  uint16
}

type gptHeader struct {
	Signature           [8]byte
	Revision            [4]byte
	HeaderSize          uint32
	CRC32               uint32
	_                   [4]byte
	CurrentLBA          uint64
	BackupLBA           uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            [16]byte
	PartitionEntryLBA   uint64
	NumPartEntries      uint32
	PartEntrySize       uint32
	PartEntryArrayCRC32 uint32
}

type gptEntry struct {
	TypeGUID       [16]byte
	UniqueGUID     [16]byte
	FirstLBA       uint64
	LastLBA        uint64
	AttributeFlags uint64
	PartitionName  [72]byte
}

// gptTypes names the partition type GUIDs seen on boot media.
var gptTypes = map[string]string{
	"c12a7328-f81f-11d2-ba4b-00a0c93ec93b": "EFI System",
	"ebd0a0a2-b9e5-4433-87c0-68b6b72699c7": "Microsoft basic data",
	"0fc63daf-8483-4772-8e79-3d69d8477de4": "Linux filesystem",
	"0657fd6d-a4ab-43c4-84e5-0933c84b4f4f": "Linux swap",
	"21686148-6449-6e6f-744e-656564454649": "BIOS boot",
}

var mbrTypes = map[uint8]string{
	0x01: "FAT12",
	0x04: "FAT16 <32M",
	0x06: "FAT16",
	0x07: "NTFS/exFAT",
	0x0b: "W95 FAT32",
	0x0c: "W95 FAT32 (LBA)",
	0x0e: "W95 FAT16 (LBA)",
	0x82: "Linux swap",
	0x83: "Linux",
	0xee: "GPT protective",
	0xef: "EFI System",
}

func guidToString(b []byte) string {
	if len(b) < 16 {
		return ""
	}
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15])
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

func isExtendedType(t byte) bool {
	return t == 0x05 || t == 0x0f || t == 0x85
}

func mbrTypeName(t uint8) string {
	if name, ok := mbrTypes[t]; ok {
		return fmt.Sprintf("0x%02x %s", t, name)
	}
	return fmt.Sprintf("0x%02x", t)
}

// ReadPartitionTable parses the MBR or GPT of r. size bounds MBR entries
// when known; pass 0 otherwise.
func ReadPartitionTable(r io.ReaderAt, size int64) (PartitionTable, error) {
	var table PartitionTable
	sector := make([]byte, sectorSize)
	if _, err := r.ReadAt(sector, 0); err != nil {
		return table, fmt.Errorf("read MBR: %w", err)
	}
	var mbr mbrSector
	if err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &mbr); err != nil {
		return table, err
	}
	if mbr.Signature != 0xAA55 {
		return table, ErrNoPartitionTable
	}
	for _, p := range mbr.Partitions {
		if p.Type != 0xee {
			continue
		}
		err := readGPT(r, &table)
		if err == nil {
			return table, nil
		}
		table.Warnings = append(table.Warnings, err.Error())
		break
	}
	readMBR(r, mbr, size, &table)
	if len(table.Partitions) == 0 {
		return table, ErrNoPartitionTable
	}
	return table, nil
}

func readMBR(r io.ReaderAt, mbr mbrSector, size int64, table *PartitionTable) {
	table.Scheme = "mbr"
	num := 1
	for _, p := range mbr.Partitions {
		if p.Sectors == 0 || p.Type == 0 {
			continue
		}
		if size > 0 && uint64(p.FirstSector)+uint64(p.Sectors) > uint64(size)/sectorSize {
			table.Warnings = append(table.Warnings, fmt.Sprintf("MBR entry at LBA %d (%d sectors) extends past the end of the disk", p.FirstSector, p.Sectors))
			continue
		}
		table.Partitions = append(table.Partitions, mbrPartition(num, p, uint64(p.FirstSector), false))
		num++
		if !isExtendedType(p.Type) {
			continue
		}
		logical, err := readEBRChain(r, size, p.FirstSector)
		if err != nil {
			table.Warnings = append(table.Warnings, err.Error())
		}
		for _, l := range logical {
			table.Partitions = append(table.Partitions, mbrPartition(num, l, uint64(l.FirstSector), true))
			num++
		}
	}
}

func mbrPartition(num int, p mbrEntry, start uint64, logical bool) Partition {
	return Partition{
		Number:    num,
		Type:      mbrTypeName(p.Type),
		Bootable:  p.Status == 0x80,
		Logical:   logical,
		StartLBA:  start,
		Sectors:   uint64(p.Sectors),
		SizeBytes: uint64(p.Sectors) * sectorSize,
	}
}

// readEBRChain follows the extended boot records of an extended partition.
// Returned entries carry absolute start sectors.
func readEBRChain(r io.ReaderAt, size int64, baseLBA uint32) ([]mbrEntry, error) {
	var logical []mbrEntry
	next := uint64(baseLBA)
	buf := make([]byte, sectorSize)
	for hops := 0; hops < 128; hops++ {
		if _, err := r.ReadAt(buf, int64(next)*sectorSize); err != nil {
			return logical, fmt.Errorf("read EBR at LBA %d: %w", next, err)
		}
		if buf[510] != 0x55 || buf[511] != 0xAA {
			return logical, fmt.Errorf("EBR signature missing at LBA %d", next)
		}
		var e1, e2 mbrEntry
		_ = binary.Read(bytes.NewReader(buf[446:462]), binary.LittleEndian, &e1)
		_ = binary.Read(bytes.NewReader(buf[462:478]), binary.LittleEndian, &e2)

		if e1.Type != 0 && e1.Sectors != 0 {
			start := next + uint64(e1.FirstSector)
			end := start + uint64(e1.Sectors) - 1
			if size <= 0 || end < uint64(size)/sectorSize {
				e1.FirstSector = uint32(start)
				logical = append(logical, e1)
			}
		}
		if e2.Type == 0 || e2.Sectors == 0 || !isExtendedType(e2.Type) {
			break
		}
		next = uint64(baseLBA) + uint64(e2.FirstSector)
	}
	return logical, nil
}

func readGPT(r io.ReaderAt, table *PartitionTable) error {
	headerBytes := make([]byte, sectorSize)
	if _, err := r.ReadAt(headerBytes, sectorSize); err != nil {
		return fmt.Errorf("read GPT header: %w", err)
	}
	var h gptHeader
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &h); err != nil {
		return err
	}
	if string(h.Signature[:]) != "EFI PART" {
		return errors.New("protective MBR without GPT header")
	}
	if h.HeaderSize < 92 || int(h.HeaderSize) > len(headerBytes) {
		return fmt.Errorf("invalid GPT header size %d", h.HeaderSize)
	}
	if h.PartEntrySize < 128 || h.NumPartEntries == 0 || h.NumPartEntries > 1024 {
		return fmt.Errorf("invalid GPT entry geometry %d x %d", h.NumPartEntries, h.PartEntrySize)
	}

	tmp := make([]byte, h.HeaderSize)
	copy(tmp, headerBytes)
	binary.LittleEndian.PutUint32(tmp[16:20], 0)
	if crc := crc32.ChecksumIEEE(tmp); crc != h.CRC32 {
		table.Warnings = append(table.Warnings, fmt.Sprintf("GPT header CRC mismatch: calculated 0x%08X, expected 0x%08X", crc, h.CRC32))
	}

	entries := make([]byte, int(h.NumPartEntries)*int(h.PartEntrySize))
	if _, err := r.ReadAt(entries, int64(h.PartitionEntryLBA)*sectorSize); err != nil {
		return fmt.Errorf("read GPT entries: %w", err)
	}
	if crc := crc32.ChecksumIEEE(entries); crc != h.PartEntryArrayCRC32 {
		table.Warnings = append(table.Warnings, fmt.Sprintf("GPT entries CRC mismatch: calculated 0x%08X, expected 0x%08X", crc, h.PartEntryArrayCRC32))
	}

	table.Scheme = "gpt"
	num := 0
	for i := 0; i < int(h.NumPartEntries); i++ {
		off := i * int(h.PartEntrySize)
		var e gptEntry
		if err := binary.Read(bytes.NewReader(entries[off:off+128]), binary.LittleEndian, &e); err != nil {
			return err
		}
		if isAllZero(e.TypeGUID[:]) || e.FirstLBA == 0 || e.LastLBA < e.FirstLBA {
			continue
		}
		num++
		typeGUID := guidToString(e.TypeGUID[:])
		typ := typeGUID
		if name, ok := gptTypes[typeGUID]; ok {
			typ = name
		}
		sectors := e.LastLBA - e.FirstLBA + 1
		table.Partitions = append(table.Partitions, Partition{
			Number:     num,
			Type:       typ,
			Name:       decodeUTF16LE(e.PartitionName[:]),
			StartLBA:   e.FirstLBA,
			Sectors:    sectors,
			SizeBytes:  sectors * sectorSize,
			UniqueGUID: guidToString(e.UniqueGUID[:]),
		})
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// detectPartitionFileSystems fills FileSystem for partitions whose
// superblock area lies inside limit bytes of r.
func detectPartitionFileSystems(r io.ReaderAt, limit int64, table *PartitionTable) {
	for i := range table.Partitions {
		p := &table.Partitions[i]
		off := int64(p.StartLBA) * sectorSize
		if limit > 0 && off+fsProbeSpan > limit {
			continue
		}
		p.FileSystem = DetectFileSystem(r, off)
	}
}

// inspectSpan is how much of an image InspectImage reads.
const inspectSpan = 16 << 20

// InspectImage reads the partition table at the start of an image file.
// Compressed images are decompressed up to the first 16 MiB.
func InspectImage(path string) (PartitionTable, error) {
	img, err := OpenImage(path)
	if err != nil {
		return PartitionTable{}, err
	}
	defer img.Close()
	size := img.Size
	if size < 0 {
		size = 0
	}
	head, err := io.ReadAll(io.LimitReader(img, inspectSpan))
	if err != nil {
		return PartitionTable{}, err
	}
	r := bytes.NewReader(head)
	table, err := ReadPartitionTable(r, size)
	if err != nil {
		return table, err
	}
	detectPartitionFileSystems(r, int64(len(head)), &table)
	return table, nil
}

// InspectDevice reads the partition table of a device or raw image file.
func InspectDevice(device string) (PartitionTable, error) {
	t, err := openTarget(rawDevicePath(device), false)
	if err != nil {
		return PartitionTable{}, &Error{Kind: classifyIO(err, ErrEnumeration), Op: "inspect", Device: device, Err: err}
	}
	defer t.Close()
	table, err := ReadPartitionTable(t.f, t.capacity)
	if err != nil {
		return table, err
	}
	detectPartitionFileSystems(t.f, t.capacity, &table)
	return table, nil
}
