package nexus

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// gptHeaderSize is the on-disk size of a GPT header; the remainder of the
// LBA is reserved and not interpreted.
const gptHeaderSize = 92

// gptSignature is the fixed 8-byte GPT header magic, "EFI PART".
var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// gptHeader is the subset of the GPT header this probe needs: enough to
// locate and validate the partition entry array.
type gptHeader struct {
	signature        [8]byte
	headerCRC32      uint32
	partitionLBA     uint64 // lba_table: start of the partition entry array
	numPartitions    uint32
	partitionSize    uint32 // entry_size
	partitionTableCRC uint32 // table_crc
}

// parseGPTHeader decodes a gptHeader from one LBA-sized buffer. It zeroes
// the header's own CRC field before checksumming, matching the standard
// GPT header-CRC convention.
func parseGPTHeader(buf []byte) (*gptHeader, error) {
	if len(buf) < gptHeaderSize {
		return nil, fmt.Errorf("%w: short label buffer (%d bytes)", utils.ErrLabelInvalid, len(buf))
	}

	var h gptHeader
	copy(h.signature[:], buf[0:8])
	if h.signature != gptSignature {
		return nil, fmt.Errorf("%w: bad gpt signature", utils.ErrLabelInvalid)
	}

	headerSize := binary.LittleEndian.Uint32(buf[12:16])
	h.headerCRC32 = binary.LittleEndian.Uint32(buf[16:20])
	h.partitionLBA = binary.LittleEndian.Uint64(buf[72:80])
	h.numPartitions = binary.LittleEndian.Uint32(buf[80:84])
	h.partitionSize = binary.LittleEndian.Uint32(buf[84:88])
	h.partitionTableCRC = binary.LittleEndian.Uint32(buf[88:92])

	if headerSize < gptHeaderSize || int(headerSize) > len(buf) {
		return nil, fmt.Errorf("%w: implausible gpt header size %d", utils.ErrLabelInvalid, headerSize)
	}

	checkBuf := make([]byte, headerSize)
	copy(checkBuf, buf[:headerSize])
	checkBuf[16], checkBuf[17], checkBuf[18], checkBuf[19] = 0, 0, 0, 0
	if crc32.ChecksumIEEE(checkBuf) != h.headerCRC32 {
		return nil, fmt.Errorf("%w: gpt header crc mismatch", utils.ErrLabelInvalid)
	}

	return &h, nil
}

// PartitionEntry is one decoded GPT partition entry.
type PartitionEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	StartLBA   uint64
	EndLBA     uint64
	Attributes uint64
	Name       string
}

// Label is the result of probing a child device for a GPT label: the
// validated header plus at most the first two partition entries.
// Additional entries are discarded by design.
type Label struct {
	Header     *gptHeader
	Partitions []PartitionEntry
}

// maxExposedPartitions bounds Label.Partitions.
const maxExposedPartitions = 2

// ReadAtFunc reads length bytes at the given byte offset from a child
// device. Child supplies this from its open descriptor.
type ReadAtFunc func(offset int64, length int) ([]byte, error)

// ProbeLabel reads the GPT primary header (LBA 1), falling back to the
// backup header (LBA numBlocks-1) if the primary fails validation, then
// reads and validates the partition table and returns its first two
// entries. Extra entries are intentionally discarded.
func ProbeLabel(read ReadAtFunc, blockSize uint32, numBlocks uint64) (*Label, error) {
	primaryOffset := int64(blockSize) * 1
	buf, err := read(primaryOffset, int(blockSize))
	if err != nil {
		return nil, fmt.Errorf("%w: primary label read: %v", utils.ErrLabelRead, err)
	}

	header, err := parseGPTHeader(buf)
	if err != nil {
		if numBlocks == 0 {
			return nil, fmt.Errorf("%w: primary label invalid and no backup location known", utils.ErrLabelInvalid)
		}
		backupOffset := int64(blockSize) * int64(numBlocks-1)
		backupBuf, backupErr := read(backupOffset, int(blockSize))
		if backupErr != nil {
			return nil, fmt.Errorf("%w: backup label read: %v", utils.ErrLabelRead, backupErr)
		}
		header, err = parseGPTHeader(backupBuf)
		if err != nil {
			return nil, fmt.Errorf("%w: primary and backup labels are invalid", utils.ErrLabelInvalid)
		}
	}

	if header.partitionSize < 128 {
		return nil, fmt.Errorf("%w: implausible partition entry size %d", utils.ErrLabelInvalid, header.partitionSize)
	}

	tableOffset := int64(blockSize) * int64(header.partitionLBA)
	tableLen := int(header.partitionSize) * int(header.numPartitions)
	if tableLen <= 0 {
		return nil, fmt.Errorf("%w: empty partition table", utils.ErrLabelInvalid)
	}

	tableBuf, err := read(tableOffset, tableLen)
	if err != nil {
		return nil, fmt.Errorf("%w: partition table read: %v", utils.ErrLabelRead, err)
	}
	if len(tableBuf) != tableLen {
		return nil, fmt.Errorf("%w: short partition table read", utils.ErrLabelInvalid)
	}

	if crc32.ChecksumIEEE(tableBuf) != header.partitionTableCRC {
		return nil, fmt.Errorf("%w: partition table checksum mismatch", utils.ErrLabelInvalid)
	}

	n := int(header.numPartitions)
	if n > maxExposedPartitions {
		n = maxExposedPartitions
	}

	entries := make([]PartitionEntry, 0, n)
	for i := 0; i < n; i++ {
		start := i * int(header.partitionSize)
		if start+int(header.partitionSize) > len(tableBuf) {
			break
		}
		e := tableBuf[start : start+int(header.partitionSize)]

		var pe PartitionEntry
		copy(pe.TypeGUID[:], e[0:16])
		if isZeroGUID(pe.TypeGUID) {
			continue // unused entry
		}
		copy(pe.UniqueGUID[:], e[16:32])
		pe.StartLBA = binary.LittleEndian.Uint64(e[32:40])
		pe.EndLBA = binary.LittleEndian.Uint64(e[40:48])
		pe.Attributes = binary.LittleEndian.Uint64(e[48:56])
		pe.Name = decodeUTF16Name(e[56:128])

		entries = append(entries, pe)
	}

	return &Label{Header: header, Partitions: entries}, nil
}

func isZeroGUID(g [16]byte) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodeUTF16Name(raw []byte) string {
	codeUnits := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		cu := binary.LittleEndian.Uint16(raw[i : i+2])
		if cu == 0 {
			break
		}
		codeUnits = append(codeUnits, cu)
	}

	runes := make([]rune, 0, len(codeUnits))
	for _, cu := range codeUnits {
		runes = append(runes, rune(cu))
	}
	return string(runes)
}
