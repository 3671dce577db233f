package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

// Vendor searches are reads, so a transient failure is retried a couple of
// times inside the caller's deadline
const (
	maxAttempts     = 3
	initialInterval = 100 * time.Millisecond
	maxInterval     = time.Second
)

// transient reports whether another attempt could succeed
func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return retryableStatus(se.status)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return retryableStatus(re.Response.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// fetch sends the request built by newReq and returns the response body.
// Transport errors, 429 and 5xx responses are retried with exponential
// backoff until ctx ends; other status codes fail at once.
func fetch(ctx context.Context, client *http.Client, vendor string, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0

	var body []byte
	err := backoff.Retry(func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", vendor, err)
		}
		body, err = readBody(vendor, resp)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return body, nil
}
