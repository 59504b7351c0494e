// Package batch shapes queue drains into upload batches and compresses
// oversized payloads.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 25

// DefaultCompressionThreshold is the encoded size, in bytes, at which
// payloads start being compressed.
const DefaultCompressionThreshold = 4096

// Encodings reported in CompressionResult.
const (
	EncodingMsgpack     = "msgpack"
	EncodingMsgpackZstd = "msgpack+zstd"
)

// Split partitions items into consecutive batches of at most size items.
func Split[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// Options configures BatchSync.
type Options struct {
	BatchSize int
	// StopOnError stops at the first failing batch instead of continuing.
	StopOnError bool
}

// Result summarizes a BatchSync run. Successful is true when every batch
// was processed without error.
type Result struct {
	TotalBatches     int
	ProcessedBatches int
	Successful       bool
	FailedBatches    []int
	Errors           []error
	ProcessingTime   time.Duration
}

// BatchSync feeds items to fn in batches, in order. A failing batch does not
// prevent later batches from running unless opts.StopOnError is set.
func BatchSync[T any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, index int, batch []T) error) (*Result, error) {
	start := time.Now()
	batches := Split(items, opts.BatchSize)
	res := &Result{TotalBatches: len(batches), Successful: true}

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			res.Successful = false
			res.ProcessingTime = time.Since(start)
			return res, err
		}
		res.ProcessedBatches++
		if err := fn(ctx, i, b); err != nil {
			res.Successful = false
			res.FailedBatches = append(res.FailedBatches, i)
			res.Errors = append(res.Errors, fmt.Errorf("batch %d: %w", i, err))
			if opts.StopOnError {
				break
			}
		}
	}
	res.ProcessingTime = time.Since(start)
	return res, nil
}

// CompressionResult describes an encoded payload.
type CompressionResult struct {
	Compressed       bool    `json:"compressed"`
	Data             []byte  `json:"data"`
	OriginalSize     int     `json:"original_size"`
	CompressedSize   int     `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Encoding         string  `json:"encoding"`
}

// Compressor encodes payloads with msgpack and compresses those above a
// size threshold with zstd.
type Compressor struct {
	threshold int

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewCompressor creates a Compressor. A non-positive threshold uses
// DefaultCompressionThreshold.
func NewCompressor(threshold int) *Compressor {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &Compressor{threshold: threshold}
}

// Threshold returns the compression threshold in bytes.
func (c *Compressor) Threshold() int {
	return c.threshold
}

func (c *Compressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil)
	})
	return c.initErr
}

// EncodedSize returns the msgpack-encoded size of v.
func EncodedSize(v interface{}) (int, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// CompressForSync encodes payload and compresses it when the encoding is at
// least the threshold and compression actually shrinks it. The result is
// never larger than the plain encoding.
func (c *Compressor) CompressForSync(payload interface{}) (*CompressionResult, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	res := &CompressionResult{
		Data:             raw,
		OriginalSize:     len(raw),
		CompressedSize:   len(raw),
		CompressionRatio: 1,
		Encoding:         EncodingMsgpack,
	}
	if len(raw) < c.threshold {
		return res, nil
	}
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}

	packed := c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(packed) >= len(raw) {
		return res, nil
	}
	res.Compressed = true
	res.Data = packed
	res.CompressedSize = len(packed)
	res.CompressionRatio = float64(len(packed)) / float64(len(raw))
	res.Encoding = EncodingMsgpackZstd
	return res, nil
}

// Decompress decodes data produced by CompressForSync into out.
func (c *Compressor) Decompress(encoding string, data []byte, out interface{}) error {
	switch encoding {
	case EncodingMsgpack:
	case EncodingMsgpackZstd:
		if err := c.init(); err != nil {
			return fmt.Errorf("init zstd: %w", err)
		}
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		data = plain
	default:
		return fmt.Errorf("unknown encoding %q", encoding)
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
