// Package czi decodes Zeiss CZI acquisition containers: the ZISRAW segment
// structure, the subblock directory, XML metadata and Gray8/Gray16/Gray32Float
// pixel data stored uncompressed or zstd compressed.
package czi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Segment identifiers.
const (
	SegmentFile      = "ZISRAWFILE"
	SegmentDirectory = "ZISRAWDIRECTORY"
	SegmentSubBlock  = "ZISRAWSUBBLOCK"
	SegmentMetadata  = "ZISRAWMETADATA"
	SegmentDeleted   = "DELETED"
)

// Pixel types understood by the decoder.
const (
	PixelGray8       int32 = 0
	PixelGray16      int32 = 1
	PixelGray32Float int32 = 2
)

// Compression modes understood by the decoder.
const (
	CompressionNone  int32 = 0
	CompressionZstd0 int32 = 5
	CompressionZstd1 int32 = 6
)

const (
	segmentHeaderSize   = 32
	fileHeaderSize      = 80
	directoryHeaderSize = 128
	metadataHeaderSize  = 256
	entryFixedSize      = 32
	dimensionEntrySize  = 20
	subBlockFixedSize   = 256

	// maxSegmentSize rejects corrupt size fields before allocating.
	maxSegmentSize = 1 << 34
)

var le = binary.LittleEndian

type segmentHeader struct {
	ID        string
	Allocated int64
	Used      int64
}

// DimensionEntry locates a subblock along one dimension.
type DimensionEntry struct {
	Dimension       string
	Start           int32
	Size            int32
	StartCoordinate float32
	StoredSize      int32
}

// DirectoryEntry is one DV record of the subblock directory.
type DirectoryEntry struct {
	PixelType    int32
	FilePosition int64
	FilePart     int32
	Compression  int32
	PyramidType  uint8
	Dims         []DimensionEntry
}

// Dim returns the entry for dimension name.
func (e *DirectoryEntry) Dim(name string) (DimensionEntry, bool) {
	for _, d := range e.Dims {
		if d.Dimension == name {
			return d, true
		}
	}
	return DimensionEntry{}, false
}

// Start returns the start index along name, or zero when absent.
func (e *DirectoryEntry) Start(name string) int {
	d, _ := e.Dim(name)
	return int(d.Start)
}

// IsPyramid reports whether the subblock holds a downscaled copy.
func (e *DirectoryEntry) IsPyramid() bool {
	if e.PyramidType != 0 {
		return true
	}
	for _, name := range []string{"X", "Y"} {
		if d, ok := e.Dim(name); ok && d.StoredSize != 0 && d.StoredSize != d.Size {
			return true
		}
	}
	return false
}

func (e *DirectoryEntry) encodedSize() int {
	return entryFixedSize + dimensionEntrySize*len(e.Dims)
}

type fileHeader struct {
	Major             int32
	Minor             int32
	FilePart          int32
	DirectoryPosition int64
	MetadataPosition  int64
}

func readSegmentHeader(r io.ReaderAt, off int64) (segmentHeader, error) {
	var buf [segmentHeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return segmentHeader{}, fmt.Errorf("read segment header at %d: %w", off, err)
	}
	h := segmentHeader{
		ID:        string(bytes.TrimRight(buf[:16], "\x00")),
		Allocated: int64(le.Uint64(buf[16:24])),
		Used:      int64(le.Uint64(buf[24:32])),
	}
	if h.Allocated < 0 || h.Allocated > maxSegmentSize || h.Used < 0 || h.Used > h.Allocated {
		return segmentHeader{}, fmt.Errorf("segment %q at %d has invalid size %d/%d", h.ID, off, h.Used, h.Allocated)
	}
	return h, nil
}

// readSegment reads the body of the segment at off and checks its identifier.
func readSegment(r io.ReaderAt, off int64, want string) ([]byte, error) {
	h, err := readSegmentHeader(r, off)
	if err != nil {
		return nil, err
	}
	if h.ID != want {
		return nil, fmt.Errorf("expected %s segment at %d, found %q", want, off, h.ID)
	}
	size := h.Used
	if size == 0 {
		size = h.Allocated
	}
	if err := checkExtent(r, off+segmentHeaderSize, size); err != nil {
		return nil, fmt.Errorf("%s segment at %d: %w", want, off, err)
	}
	body := make([]byte, size)
	if _, err := r.ReadAt(body, off+segmentHeaderSize); err != nil {
		return nil, fmt.Errorf("read %s segment at %d: %w", want, off, err)
	}
	return body, nil
}

func readFileHeader(r io.ReaderAt) (fileHeader, error) {
	body, err := readSegment(r, 0, SegmentFile)
	if err != nil {
		return fileHeader{}, err
	}
	if len(body) < fileHeaderSize {
		return fileHeader{}, fmt.Errorf("file header truncated: %d bytes", len(body))
	}
	h := fileHeader{
		Major:             int32(le.Uint32(body[0:])),
		Minor:             int32(le.Uint32(body[4:])),
		FilePart:          int32(le.Uint32(body[48:])),
		DirectoryPosition: int64(le.Uint64(body[52:])),
		MetadataPosition:  int64(le.Uint64(body[60:])),
	}
	if h.Major != 1 {
		return fileHeader{}, fmt.Errorf("unsupported CZI major version %d", h.Major)
	}
	if h.DirectoryPosition <= 0 {
		return fileHeader{}, fmt.Errorf("file header has no subblock directory")
	}
	return h, nil
}

func parseDirectoryEntry(b []byte) (DirectoryEntry, int, error) {
	if len(b) < entryFixedSize {
		return DirectoryEntry{}, 0, fmt.Errorf("directory entry truncated")
	}
	if string(b[:2]) != "DV" {
		return DirectoryEntry{}, 0, fmt.Errorf("unknown directory entry schema %q", b[:2])
	}
	e := DirectoryEntry{
		PixelType:    int32(le.Uint32(b[2:])),
		FilePosition: int64(le.Uint64(b[6:])),
		FilePart:     int32(le.Uint32(b[14:])),
		Compression:  int32(le.Uint32(b[18:])),
		PyramidType:  b[22],
	}
	n := int(int32(le.Uint32(b[28:])))
	if n < 0 || n > 64 {
		return DirectoryEntry{}, 0, fmt.Errorf("directory entry has %d dimensions", n)
	}
	size := entryFixedSize + n*dimensionEntrySize
	if len(b) < size {
		return DirectoryEntry{}, 0, fmt.Errorf("directory entry truncated")
	}
	e.Dims = make([]DimensionEntry, n)
	for i := range e.Dims {
		d := b[entryFixedSize+i*dimensionEntrySize:]
		e.Dims[i] = DimensionEntry{
			Dimension:       string(bytes.TrimRight(d[:4], "\x00")),
			Start:           int32(le.Uint32(d[4:])),
			Size:            int32(le.Uint32(d[8:])),
			StartCoordinate: math.Float32frombits(le.Uint32(d[12:])),
			StoredSize:      int32(le.Uint32(d[16:])),
		}
	}
	return e, size, nil
}

func readDirectory(r io.ReaderAt, off int64) ([]DirectoryEntry, error) {
	body, err := readSegment(r, off, SegmentDirectory)
	if err != nil {
		return nil, err
	}
	if len(body) < directoryHeaderSize {
		return nil, fmt.Errorf("directory segment truncated")
	}
	count := int(int32(le.Uint32(body)))
	if limit := (len(body) - directoryHeaderSize) / entryFixedSize; count < 0 || count > limit {
		return nil, fmt.Errorf("directory reports %d entries, segment holds at most %d", count, limit)
	}
	entries := make([]DirectoryEntry, 0, count)
	pos := directoryHeaderSize
	for i := 0; i < count; i++ {
		e, n, err := parseDirectoryEntry(body[pos:])
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", i, err)
		}
		entries = append(entries, e)
		pos += n
	}
	return entries, nil
}

func readMetadataXML(r io.ReaderAt, off int64) ([]byte, error) {
	body, err := readSegment(r, off, SegmentMetadata)
	if err != nil {
		return nil, err
	}
	if len(body) < metadataHeaderSize {
		return nil, fmt.Errorf("metadata segment truncated")
	}
	size := int(int32(le.Uint32(body)))
	if size < 0 || metadataHeaderSize+size > len(body) {
		return nil, fmt.Errorf("metadata xml size %d exceeds segment", size)
	}
	return body[metadataHeaderSize : metadataHeaderSize+size], nil
}

// readSubBlockData returns the raw (possibly compressed) pixel payload of the
// subblock referenced by e.
func readSubBlockData(r io.ReaderAt, e *DirectoryEntry) ([]byte, error) {
	h, err := readSegmentHeader(r, e.FilePosition)
	if err != nil {
		return nil, err
	}
	if h.ID != SegmentSubBlock {
		return nil, fmt.Errorf("expected %s segment at %d, found %q", SegmentSubBlock, e.FilePosition, h.ID)
	}
	base := e.FilePosition + segmentHeaderSize
	var fixed [16]byte
	if _, err := r.ReadAt(fixed[:], base); err != nil {
		return nil, fmt.Errorf("read subblock header at %d: %w", base, err)
	}
	metaSize := int64(int32(le.Uint32(fixed[0:])))
	dataSize := int64(le.Uint64(fixed[8:]))
	if metaSize < 0 || dataSize < 0 || dataSize > maxSegmentSize {
		return nil, fmt.Errorf("subblock at %d has invalid sizes", e.FilePosition)
	}
	headerSize := int64(16 + e.encodedSize())
	if headerSize < subBlockFixedSize {
		headerSize = subBlockFixedSize
	}
	if err := checkExtent(r, base+headerSize+metaSize, dataSize); err != nil {
		return nil, fmt.Errorf("subblock at %d: %w", e.FilePosition, err)
	}
	data := make([]byte, dataSize)
	if _, err := r.ReadAt(data, base+headerSize+metaSize); err != nil {
		return nil, fmt.Errorf("read subblock data at %d: %w", e.FilePosition, err)
	}
	return data, nil
}

// checkExtent rejects a read of n bytes at off that runs past the end of r,
// when the size of r is known.
func checkExtent(r io.ReaderAt, off, n int64) error {
	var total int64
	switch v := r.(type) {
	case interface{ Size() int64 }:
		total = v.Size()
	case *os.File:
		fi, err := v.Stat()
		if err != nil {
			return nil
		}
		total = fi.Size()
	default:
		return nil
	}
	if off < 0 || n > total-off {
		return fmt.Errorf("%d bytes at %d exceed file size %d", n, off, total)
	}
	return nil
}
