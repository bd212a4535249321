package cdn

import "github.com/cenkalti/backoff/v4"

// WithoutBackOffDelay makes retries immediate.
func (f *Fetcher) WithoutBackOffDelay() *Fetcher {
	f.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return f
}
