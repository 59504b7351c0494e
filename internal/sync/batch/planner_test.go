package batch

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Split / BatchSync Tests
// =====================================================

// TestSplit verifies batch counts and order.
func TestSplit(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	batches := Split(items, 25)
	require.Len(t, batches, 4)
	for i, b := range batches {
		assert.Len(t, b, 25)
		assert.Equal(t, i*25, b[0])
	}

	assert.Len(t, Split(items, 30), 4)
	assert.Len(t, Split(items[:1], 30), 1)
	assert.Nil(t, Split([]int{}, 10))
	assert.Len(t, Split(items, 0), 4)
}

// TestBatchSync_hundredItems covers 100 queued items with batch size 25.
func TestBatchSync_hundredItems(t *testing.T) {
	items := make([]string, 100)
	var seen []int

	res, err := BatchSync(context.Background(), items, Options{BatchSize: 25},
		func(ctx context.Context, i int, b []string) error {
			seen = append(seen, len(b))
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalBatches)
	assert.True(t, res.Successful)
	assert.Equal(t, []int{25, 25, 25, 25}, seen)
	assert.Greater(t, int64(res.ProcessingTime), int64(-1))
}

// TestBatchSync_failureIsolated verifies one failing batch does not stop others.
func TestBatchSync_failureIsolated(t *testing.T) {
	items := make([]int, 10)
	calls := 0

	res, err := BatchSync(context.Background(), items, Options{BatchSize: 3},
		func(ctx context.Context, i int, b []int) error {
			calls++
			if i == 1 {
				return errors.New("boom")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.False(t, res.Successful)
	assert.Equal(t, []int{1}, res.FailedBatches)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "batch 1")
}

// TestBatchSync_stopOnError verifies StopOnError halts processing.
func TestBatchSync_stopOnError(t *testing.T) {
	calls := 0
	res, err := BatchSync(context.Background(), make([]int, 10), Options{BatchSize: 3, StopOnError: true},
		func(ctx context.Context, i int, b []int) error {
			calls++
			return errors.New("boom")
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.ProcessedBatches)
}

// TestBatchSync_cancelled verifies cancellation between batches.
func TestBatchSync_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res, err := BatchSync(ctx, make([]int, 10), Options{BatchSize: 2},
		func(ctx context.Context, i int, b []int) error {
			if i == 1 {
				cancel()
			}
			return nil
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.ProcessedBatches)
	assert.False(t, res.Successful)
}

// =====================================================
// Compression Tests
// =====================================================

// TestCompressForSync_belowThreshold verifies small payloads are not compressed.
func TestCompressForSync_belowThreshold(t *testing.T) {
	c := NewCompressor(4096)
	res, err := c.CompressForSync(map[string]interface{}{"mood_score": 6})
	require.NoError(t, err)

	assert.False(t, res.Compressed)
	assert.Equal(t, res.OriginalSize, res.CompressedSize)
	assert.Equal(t, EncodingMsgpack, res.Encoding)
	assert.Equal(t, 1.0, res.CompressionRatio)
}

// TestCompressForSync_largeText verifies a repetitive payload shrinks and
// decodes back.
func TestCompressForSync_largeText(t *testing.T) {
	c := NewCompressor(1024)
	payload := map[string]interface{}{"content": strings.Repeat("I feel calmer today. ", 500)}

	res, err := c.CompressForSync(payload)
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Less(t, res.CompressedSize, res.OriginalSize)
	assert.Less(t, res.CompressionRatio, 1.0)
	assert.Equal(t, EncodingMsgpackZstd, res.Encoding)

	var out map[string]interface{}
	require.NoError(t, c.Decompress(res.Encoding, res.Data, &out))
	assert.Equal(t, payload["content"], out["content"])
}

// TestCompressForSync_neverGrows verifies incompressible data keeps the
// plain encoding.
func TestCompressForSync_neverGrows(t *testing.T) {
	c := NewCompressor(64)
	noise := make([]byte, 8192)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	for _, payload := range []interface{}{
		map[string]interface{}{"blob": noise},
		map[string]interface{}{"text": strings.Repeat("a", 10000)},
		map[string]interface{}{"x": 1},
	} {
		res, err := c.CompressForSync(payload)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.CompressedSize, res.OriginalSize)
		assert.Equal(t, len(res.Data), res.CompressedSize)
	}
}

// TestDecompress_unknownEncoding verifies unknown encodings are rejected.
func TestDecompress_unknownEncoding(t *testing.T) {
	var out map[string]interface{}
	assert.Error(t, NewCompressor(0).Decompress("gzip", []byte{1}, &out))
}
