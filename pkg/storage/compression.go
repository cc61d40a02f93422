package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vjranagit/auc/pkg/types"
)

// ErrCorruptBlock is returned when a stored block cannot be decoded
var ErrCorruptBlock = errors.New("storage: corrupt block")

const (
	// maxBlockSamples is one sample per millisecond of a one-hour block
	maxBlockSamples = 3_600_000

	maxDecodedBytes = 64 << 20
)

// Compressor handles data compression for time-series data
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a new compressor. Levels 1 (fastest) to 4 (best)
// map onto the zstd speed presets; anything else uses the default.
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// EncodeBlock packs time-ordered samples into a block payload:
// uvarint count, uvarint timestamp section length, timestamps, values
func (c *Compressor) EncodeBlock(samples []types.Sample) ([]byte, error) {
	timestamps := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, sample := range samples {
		timestamps[i] = sample.Timestamp.UnixMilli()
		values[i] = sample.Value
	}

	ts, err := c.CompressTimestamps(timestamps)
	if err != nil {
		return nil, fmt.Errorf("failed to compress timestamps: %w", err)
	}
	vals, err := c.CompressValues(values)
	if err != nil {
		return nil, fmt.Errorf("failed to compress values: %w", err)
	}

	out := make([]byte, 0, 2*binary.MaxVarintLen64+len(ts)+len(vals))
	out = binary.AppendUvarint(out, uint64(len(samples)))
	out = binary.AppendUvarint(out, uint64(len(ts)))
	out = append(out, ts...)
	out = append(out, vals...)
	return out, nil
}

// DecodeBlock reverses EncodeBlock
func (c *Compressor) DecodeBlock(data []byte) ([]types.Sample, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > maxBlockSamples {
		return nil, fmt.Errorf("%w: bad sample count", ErrCorruptBlock)
	}
	data = data[n:]

	tsLen, n := binary.Uvarint(data)
	if n <= 0 || tsLen > uint64(len(data)-n) {
		return nil, fmt.Errorf("%w: bad timestamp section", ErrCorruptBlock)
	}
	data = data[n:]

	timestamps, err := c.DecompressTimestamps(data[:tsLen], int(count))
	if err != nil {
		return nil, err
	}
	values, err := c.DecompressValues(data[tsLen:], int(count))
	if err != nil {
		return nil, err
	}

	samples := make([]types.Sample, count)
	for i := range samples {
		samples[i] = types.Sample{
			Timestamp: time.UnixMilli(timestamps[i]).UTC(),
			Value:     values[i],
		}
	}
	return samples, nil
}

// CompressTimestamps compresses timestamps with delta-of-delta varints + zstd
func (c *Compressor) CompressTimestamps(timestamps []int64) ([]byte, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(timestamps)*2)
	buf = binary.AppendVarint(buf, timestamps[0])

	var prevDelta int64
	for i := 1; i < len(timestamps); i++ {
		delta := timestamps[i] - timestamps[i-1]
		buf = binary.AppendVarint(buf, delta-prevDelta)
		prevDelta = delta
	}

	return c.encoder.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

// DecompressTimestamps decompresses count timestamps
func (c *Compressor) DecompressTimestamps(data []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrCorruptBlock, err)
	}
	// Every varint takes at least one byte
	if count < 0 || count > len(raw) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrCorruptBlock, count, len(raw))
	}

	timestamps := make([]int64, count)
	var prevDelta int64
	for i := 0; i < count; i++ {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: timestamp %d of %d", ErrCorruptBlock, i, count)
		}
		raw = raw[n:]

		if i == 0 {
			timestamps[0] = v
			continue
		}
		delta := prevDelta + v
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}

	return timestamps, nil
}

// CompressValues compresses float64 values using XOR encoding + zstd
func (c *Compressor) CompressValues(values []float64) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(values)*4)
	prevBits := math.Float64bits(values[0])
	buf = binary.AppendUvarint(buf, prevBits)

	for i := 1; i < len(values); i++ {
		currentBits := math.Float64bits(values[i])
		buf = binary.AppendUvarint(buf, currentBits^prevBits)
		prevBits = currentBits
	}

	return c.encoder.EncodeAll(buf, make([]byte, 0, len(buf))), nil
}

// DecompressValues decompresses count float64 values
func (c *Compressor) DecompressValues(data []byte, count int) ([]float64, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrCorruptBlock, err)
	}
	// Every varint takes at least one byte
	if count < 0 || count > len(raw) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrCorruptBlock, count, len(raw))
	}

	values := make([]float64, count)
	var prevBits uint64
	for i := 0; i < count; i++ {
		bits, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: value %d of %d", ErrCorruptBlock, i, count)
		}
		raw = raw[n:]

		if i > 0 {
			bits ^= prevBits
		}
		values[i] = math.Float64frombits(bits)
		prevBits = bits
	}

	return values, nil
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
