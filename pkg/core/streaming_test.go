package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryStream(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	insertABC(t, idx)
	_, err := idx.AddVantagePoint(ctx, fp("00"))
	require.NoError(t, err)

	stream, err := idx.QueryStream(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	streamed, err := CollectStream(ctx, stream)
	require.NoError(t, err)

	want, err := idx.Query(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	assert.Equal(t, want, streamed)

	stream, err = idx.QueryStream(ctx, fp("00"), QueryOptions{Radius: 8, Limit: 2})
	require.NoError(t, err)
	streamed, err = CollectStream(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, matchKeys(streamed))

	_, err = idx.QueryStream(ctx, fp("0000"), QueryOptions{})
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
	_, err = idx.QueryStream(ctx, fp("00"), QueryOptions{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestQueryStreamChunks(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	entries := make([]Entry, 0, resolveChunk+20)
	for i := 0; i < resolveChunk+20; i++ {
		entries = append(entries, Entry{
			Key:         fmt.Sprintf("k%04d", i),
			Fingerprint: []byte{byte(i >> 8), byte(i)},
		})
	}
	_, err := idx.InsertBatch(ctx, entries)
	require.NoError(t, err)

	stream, err := idx.QueryStream(ctx, fp("0000"), QueryOptions{Radius: 16})
	require.NoError(t, err)

	chunks := make(map[int]int)
	n := 0
	for r := range stream {
		require.NoError(t, r.Err)
		chunks[r.Chunk]++
		n++
	}
	assert.Equal(t, resolveChunk+20, n)
	assert.Equal(t, map[int]int{0: resolveChunk, 1: 20}, chunks)
}

func TestQueryStreamCancel(t *testing.T) {
	idx := newTestIndex(t)
	insertABC(t, idx)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := idx.QueryStream(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)

	first := <-stream
	require.NoError(t, first.Err)
	assert.Equal(t, "a", first.Key)
	cancel()
	for range stream {
	}

	// the read lock is released once the stream closes
	_, err = idx.AddVantagePoint(context.Background(), fp("ff"))
	require.NoError(t, err)
}

func TestQueryStreamEmptyIndex(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	stream, err := idx.QueryStream(ctx, fp("00"), QueryOptions{Radius: 8})
	require.NoError(t, err)
	matches, err := CollectStream(ctx, stream)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
