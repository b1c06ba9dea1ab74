// Package batch runs many chat requests in parallel through one client.
//
// A fixed worker pool pulls request indices from a queue and writes each
// result into its input slot, so results come back in input order. The pool
// size bounds the number of in-flight calls; the client's own breaker and
// cache still apply to every request.
//
// Example usage:
//
//	runner := batch.NewRunner(inferenceClient, batch.DefaultConfig())
//	results, err := runner.Run(ctx, requests)
//	for _, r := range results {
//		if r.Err != nil {
//			// per-request failure
//		}
//	}
//
// The runner:
//   - Spawns a worker pool (default 4 workers)
//   - Applies an optional per-request timeout
//   - Keeps going when individual requests fail
//   - Stops handing out work when ctx is cancelled
package batch
