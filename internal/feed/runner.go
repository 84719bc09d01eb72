package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunAll runs every source against sink until ctx is cancelled. A source
// that returns early is restarted after a backoff that grows to maxBackoff.
func RunAll(ctx context.Context, sink Sink, logger zerolog.Logger, sources ...Source) {
	const maxBackoff = 30 * time.Second
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			backoff := 500 * time.Millisecond
			for {
				err := src.Run(ctx, sink)
				if ctx.Err() != nil {
					return
				}
				logger.Error().Err(err).Str("source", src.Name()).Dur("backoff", backoff).Msg("price source stopped, restarting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}(src)
	}
	wg.Wait()
}
