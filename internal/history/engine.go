// Package history persists gateway-observed telemetry metrics to disk using
// a Gorilla-style columnar compression scheme, and serves them back out for
// the query API. It has no bearing on the replicated shared-state store —
// losing this archive on restart is not a correctness issue (see
// SPEC_FULL.md's Non-goals).
package history

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/meshswarm/meshswarm/internal/history/compression"
)

const (
	magicNumber     = 0x4d534857 // "MSHW"
	formatVersion   = 1
	headerSize      = 32
	metadataVersion = 1
)

// Sample is one (timestamp, value) observation of a single metric.
type Sample struct {
	TimestampMS int64
	Value       float64
}

// engine is the on-disk columnar format: a fixed header, a compressed
// timestamp column, a compressed value column, and a footer carrying column
// offsets so Read can locate them without scanning.
type engine struct {
	filepath string
}

func newEngine(filepath string) *engine {
	return &engine{filepath: filepath}
}

func (e *engine) Write(samples []Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("history: no samples to write")
	}

	file, err := os.Create(e.filepath)
	if err != nil {
		return fmt.Errorf("history: create %s: %w", e.filepath, err)
	}
	defer file.Close()

	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		timestamps[i] = s.TimestampMS
		values[i] = s.Value
	}

	header := e.buildHeader(len(samples))
	if _, err := file.Write(header); err != nil {
		return fmt.Errorf("history: write header: %w", err)
	}

	timestampOffset := int64(headerSize)
	timestampData := e.encodeColumn(compression.CompressInt64(timestamps))
	if _, err := file.Write(timestampData); err != nil {
		return fmt.Errorf("history: write timestamp column: %w", err)
	}

	valueOffset := timestampOffset + int64(len(timestampData))
	valueData := e.encodeColumn(compression.CompressFloat64(values))
	if _, err := file.Write(valueData); err != nil {
		return fmt.Errorf("history: write value column: %w", err)
	}

	footer := e.buildFooter(timestampOffset, int64(len(timestampData)), valueOffset, int64(len(valueData)), len(samples))
	if _, err := file.Write(footer); err != nil {
		return fmt.Errorf("history: write footer: %w", err)
	}

	footerSize := make([]byte, 4)
	binary.LittleEndian.PutUint32(footerSize, uint32(len(footer)))
	if _, err := file.Write(footerSize); err != nil {
		return fmt.Errorf("history: write footer size: %w", err)
	}

	return nil
}

func (e *engine) buildHeader(count int) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], magicNumber)
	binary.LittleEndian.PutUint32(header[4:8], formatVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(count))
	binary.LittleEndian.PutUint32(header[16:20], 2)
	copy(header[20:], []byte("TSDB"))
	return header
}

func (e *engine) encodeColumn(compressed []byte) []byte {
	result := make([]byte, 8+len(compressed))
	binary.LittleEndian.PutUint32(result[0:4], 1)
	binary.LittleEndian.PutUint32(result[4:8], uint32(len(compressed)))
	copy(result[8:], compressed)
	return result
}

func (e *engine) buildFooter(tsOffset, tsSize, valOffset, valSize int64, count int) []byte {
	footer := make([]byte, 0, 256)

	versionBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(versionBuf, metadataVersion)
	footer = append(footer, versionBuf...)

	numColumnsBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numColumnsBuf, 2)
	footer = append(footer, numColumnsBuf...)

	footer = append(footer, e.buildColumnMetadata("timestamp", tsOffset, tsSize, count)...)
	footer = append(footer, e.buildColumnMetadata("value", valOffset, valSize, count)...)

	return footer
}

func (e *engine) buildColumnMetadata(name string, offset, size int64, count int) []byte {
	meta := make([]byte, 0, 64)

	nameLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(nameLen, uint32(len(name)))
	meta = append(meta, nameLen...)
	meta = append(meta, []byte(name)...)

	typeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(typeBuf, 1)
	meta = append(meta, typeBuf...)

	offsetBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(offsetBuf, uint64(offset))
	meta = append(meta, offsetBuf...)

	sizeBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(sizeBuf, uint64(size))
	meta = append(meta, sizeBuf...)

	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, uint64(count))
	meta = append(meta, countBuf...)

	return meta
}

func (e *engine) Read() ([]Sample, error) {
	data, err := os.ReadFile(e.filepath)
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", e.filepath, err)
	}
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("history: file too small")
	}

	if binary.LittleEndian.Uint32(data[0:4]) != magicNumber {
		return nil, fmt.Errorf("history: bad magic number")
	}
	count := int(binary.LittleEndian.Uint64(data[8:16]))

	footerSizeOffset := len(data) - 4
	footerSize := binary.LittleEndian.Uint32(data[footerSizeOffset:])
	footerStart := footerSizeOffset - int(footerSize)
	footer := data[footerStart:footerSizeOffset]

	if binary.LittleEndian.Uint32(footer[4:8]) != 2 {
		return nil, fmt.Errorf("history: unexpected column count")
	}

	pos := 8
	tsNameLen := binary.LittleEndian.Uint32(footer[pos : pos+4])
	pos += 4 + int(tsNameLen) + 4
	tsOffset := binary.LittleEndian.Uint64(footer[pos : pos+8])
	pos += 8
	tsSize := binary.LittleEndian.Uint64(footer[pos : pos+8])
	pos += 8 + 8

	valNameLen := binary.LittleEndian.Uint32(footer[pos : pos+4])
	pos += 4 + int(valNameLen) + 4
	valOffset := binary.LittleEndian.Uint64(footer[pos : pos+8])
	pos += 8
	valSize := binary.LittleEndian.Uint64(footer[pos : pos+8])

	timestamps := compression.DecompressInt64(data[tsOffset+8:tsOffset+tsSize], count)
	values := compression.DecompressFloat64(data[valOffset+8:valOffset+valSize], count)

	samples := make([]Sample, count)
	for i := 0; i < count; i++ {
		samples[i] = Sample{TimestampMS: timestamps[i], Value: values[i]}
	}
	return samples, nil
}
