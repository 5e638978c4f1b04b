package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const sectorSize = 512

// fat32Geometry is the BIOS parameter block subset a FAT32 volume needs.
type fat32Geometry struct {
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	Media             uint8
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors      uint32
	SectorsPerFAT     uint32
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	VolumeID          uint32
}

// fat32GeometryFor picks cluster size the way Windows does for FAT32.
func fat32GeometryFor(size int64) (fat32Geometry, error) {
	if size/sectorSize > 0xFFFFFFFF {
		return fat32Geometry{}, fmt.Errorf("volume of %d bytes exceeds FAT32 sector addressing", size)
	}
	g := fat32Geometry{
		ReservedSectors:  32,
		NumFATs:          2,
		Media:            0xF8,
		SectorsPerTrack:  63,
		NumHeads:         255,
		TotalSectors:     uint32(size / sectorSize),
		RootCluster:      2,
		FSInfoSector:     1,
		BackupBootSector: 6,
		VolumeID:         uint32(time.Now().Unix()),
	}
	switch {
	case size <= 260<<20:
		g.SectorsPerCluster = 1
	case size <= 8<<30:
		g.SectorsPerCluster = 8
	case size <= 16<<30:
		g.SectorsPerCluster = 16
	case size <= 32<<30:
		g.SectorsPerCluster = 32
	default:
		g.SectorsPerCluster = 64
	}
	if _, err := g.layout(); err != nil {
		return g, err
	}
	return g, nil
}

// layout iterates the FAT size until it covers every data cluster and
// returns the cluster count.
func (g *fat32Geometry) layout() (clusters uint32, err error) {
	for i := 0; i < 8; i++ {
		fatSectors := g.SectorsPerFAT
		if fatSectors == 0 {
			fatSectors = 1
		}
		meta := uint64(g.ReservedSectors) + uint64(g.NumFATs)*uint64(fatSectors)
		if meta >= uint64(g.TotalSectors) {
			return 0, errors.New("volume too small for FAT32 metadata")
		}
		dataSectors := g.TotalSectors - uint32(meta)
		clusters = dataSectors / uint32(g.SectorsPerCluster)
		need := ((clusters+2)*4 + sectorSize - 1) / sectorSize
		if need == g.SectorsPerFAT {
			break
		}
		g.SectorsPerFAT = need
	}
	if clusters < 65525 {
		return 0, fmt.Errorf("%d clusters is too few for FAT32", clusters)
	}
	return clusters, nil
}

func (g fat32Geometry) dataStart() int64 {
	return (int64(g.ReservedSectors) + int64(g.NumFATs)*int64(g.SectorsPerFAT)) * sectorSize
}

func padLabel(s string, n int) []byte {
	b := []byte(strings.ToUpper(s))
	if len(b) > n {
		b = b[:n]
	}
	for len(b) < n {
		b = append(b, ' ')
	}
	return b
}

func buildFAT32BootSector(g fat32Geometry, label string) []byte {
	if label == "" {
		label = "NO NAME"
	}
	sec := make([]byte, sectorSize)
	sec[0], sec[1], sec[2] = 0xEB, 0x58, 0x90
	copy(sec[3:11], padLabel("PIFLASH", 8))
	binary.LittleEndian.PutUint16(sec[11:], sectorSize)
	sec[13] = g.SectorsPerCluster
	binary.LittleEndian.PutUint16(sec[14:], g.ReservedSectors)
	sec[16] = g.NumFATs
	sec[21] = g.Media
	binary.LittleEndian.PutUint16(sec[24:], g.SectorsPerTrack)
	binary.LittleEndian.PutUint16(sec[26:], g.NumHeads)
	binary.LittleEndian.PutUint32(sec[28:], g.HiddenSectors)
	binary.LittleEndian.PutUint32(sec[32:], g.TotalSectors)
	binary.LittleEndian.PutUint32(sec[36:], g.SectorsPerFAT)
	binary.LittleEndian.PutUint32(sec[44:], g.RootCluster)
	binary.LittleEndian.PutUint16(sec[48:], g.FSInfoSector)
	binary.LittleEndian.PutUint16(sec[50:], g.BackupBootSector)
	sec[64], sec[66] = 0x80, 0x29
	binary.LittleEndian.PutUint32(sec[67:], g.VolumeID)
	copy(sec[71:82], padLabel(label, 11))
	copy(sec[82:90], []byte("FAT32   "))
	// int 0x18: hand over to the next boot device
	copy(sec[90:], []byte{0xCD, 0x18, 0xEB, 0xFE})
	sec[510], sec[511] = 0x55, 0xAA
	return sec
}

func buildFAT32FSInfo(freeClusters, nextFree uint32) []byte {
	fs := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(fs[0:], 0x41615252)
	binary.LittleEndian.PutUint32(fs[484:], 0x61417272)
	binary.LittleEndian.PutUint32(fs[488:], freeClusters)
	binary.LittleEndian.PutUint32(fs[492:], nextFree)
	binary.LittleEndian.PutUint32(fs[508:], 0xAA550000)
	return fs
}

func buildVolumeLabelEntry(label string) []byte {
	if label == "" {
		return nil
	}
	e := make([]byte, 32)
	copy(e[0:11], padLabel(label, 11))
	e[11] = 0x08
	return e
}

// FormatFAT32 lays a partitionless FAT32 volume of size bytes onto w.
// Only metadata is written; the data area is left as is.
func FormatFAT32(w io.WriterAt, size int64, label string) error {
	g, err := fat32GeometryFor(size)
	if err != nil {
		return err
	}
	clusters, err := g.layout()
	if err != nil {
		return err
	}

	// Reserved area, both FATs and the root directory cluster start zeroed.
	zeroTo := g.dataStart() + int64(g.SectorsPerCluster)*sectorSize
	zero := make([]byte, 1<<20)
	for off := int64(0); off < zeroTo; off += int64(len(zero)) {
		n := int64(len(zero))
		if off+n > zeroTo {
			n = zeroTo - off
		}
		if _, err := w.WriteAt(zero[:n], off); err != nil {
			return fmt.Errorf("zero metadata at %d: %w", off, err)
		}
	}

	boot := buildFAT32BootSector(g, label)
	fsinfo := buildFAT32FSInfo(clusters-1, 3)
	for _, base := range []int64{0, int64(g.BackupBootSector)} {
		if _, err := w.WriteAt(boot, base*sectorSize); err != nil {
			return fmt.Errorf("write boot sector: %w", err)
		}
		if _, err := w.WriteAt(fsinfo, (base+int64(g.FSInfoSector))*sectorSize); err != nil {
			return fmt.Errorf("write fsinfo: %w", err)
		}
	}

	head := make([]byte, 12)
	binary.LittleEndian.PutUint32(head[0:], 0x0FFFFF00|uint32(g.Media))
	binary.LittleEndian.PutUint32(head[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(head[8:], 0x0FFFFFFF) // root directory, one cluster
	for i := 0; i < int(g.NumFATs); i++ {
		off := (int64(g.ReservedSectors) + int64(i)*int64(g.SectorsPerFAT)) * sectorSize
		if _, err := w.WriteAt(head, off); err != nil {
			return fmt.Errorf("write FAT %d: %w", i, err)
		}
	}

	if entry := buildVolumeLabelEntry(label); entry != nil {
		if _, err := w.WriteAt(entry, g.dataStart()); err != nil {
			return fmt.Errorf("write volume label: %w", err)
		}
	}
	return nil
}
