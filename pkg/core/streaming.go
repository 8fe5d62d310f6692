package core

import (
	"context"
	"fmt"

	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

// StreamResult is one streamed match. A result with Err set is the last one sent.
type StreamResult struct {
	Match
	Chunk int   // Resolve chunk the match came from
	Err   error // Set when resolving failed
}

// QueryStream is Query with matches delivered while later chunks of points are still being
// resolved. The read lock and the snapshot are held until the channel is closed, so callers
// must drain the channel or cancel ctx; writers wait until then.
func (s *Index) QueryStream(ctx context.Context, q fingerprint.Fingerprint, opts QueryOptions) (<-chan StreamResult, error) {
	if opts.Limit < 0 {
		return nil, wrapError("query_stream", fmt.Errorf("%w: limit must be non-negative", ErrInvalidArgument))
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, wrapError("query_stream", ErrStoreClosed)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		s.mu.RUnlock()
		return nil, wrapError("query_stream", err)
	}

	hits, err := s.evaluate(ctx, tx, q, opts.Radius)
	if err != nil {
		rollback()
		s.mu.RUnlock()
		return nil, wrapError("query_stream", err)
	}

	resultChan := make(chan StreamResult, min(len(hits), resolveChunk))

	go func() {
		defer s.mu.RUnlock()
		defer rollback()
		defer close(resultChan)

		err := walkMatches(ctx, tx, hits, opts.Limit, func(chunk int, m Match) error {
			select {
			case resultChan <- StreamResult{Match: m, Chunk: chunk}:
				return nil
			case <-ctx.Done():
				return errStopWalk
			}
		})
		if err != nil {
			select {
			case resultChan <- StreamResult{Err: wrapError("query_stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return resultChan, nil
}

// CollectStream drains stream into a slice, stopping at the first error or when ctx ends.
func CollectStream(ctx context.Context, stream <-chan StreamResult) ([]Match, error) {
	var matches []Match
	for {
		select {
		case r, ok := <-stream:
			if !ok {
				return matches, nil
			}
			if r.Err != nil {
				return matches, r.Err
			}
			matches = append(matches, r.Match)
		case <-ctx.Done():
			return matches, ctx.Err()
		}
	}
}
