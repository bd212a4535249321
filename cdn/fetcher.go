package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	dzdecrypt "github.com/devgianlu/go-dzdecrypt"
)

const DefaultMaxRetries = 5

type Fetcher struct {
	log    dzdecrypt.Logger
	client *http.Client

	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewFetcher(log dzdecrypt.Logger, client *http.Client, maxRetries uint64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{
		log:        dzdecrypt.LoggerOrNull(log),
		client:     client,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// StatusError is returned when the CDN answers with an unexpected status,
// a client error usually means the requested quality is not available.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Status)
}

func (e *StatusError) Temporary() bool {
	return e.Status >= 500
}

func (f *Fetcher) request(ctx context.Context, streamUrl string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamUrl, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed creating request: %w", err))
	}

	req.Header.Set("User-Agent", dzdecrypt.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	_ = resp.Body.Close()
	statusErr := &StatusError{resp.StatusCode}
	if statusErr.Temporary() {
		return nil, statusErr
	}

	return nil, backoff.Permanent(statusErr)
}

// Fetch downloads the whole stream at streamUrl into w. Failures that happen
// before any byte is written are retried with an exponential backoff, after
// that the download cannot be resumed and the error is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, streamUrl string, w io.Writer) (int64, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), f.maxRetries), ctx)

	var resp *http.Response
	if err := backoff.RetryNotify(func() (err error) {
		resp, err = f.request(ctx, streamUrl)
		return err
	}, b, func(err error, next time.Duration) {
		f.log.WithError(err).Warnf("failed requesting stream, retrying in %v", next)
	}); err != nil {
		return 0, fmt.Errorf("failed requesting stream: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body := &LatencyReader{Reader: resp.Body, Callback: func(latency time.Duration, read int64) {
		f.log.Debugf("downloaded %d bytes in %v", read, latency)
	}}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("failed downloading stream: %w", err)
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("failed downloading stream: expected %d bytes, got %d", resp.ContentLength, n)
	}

	return n, nil
}
