package parcel

import (
	"errors"

	"github.com/eapache/go-resiliency/retrier"

	"fmt"
	"net/http"
	"time"
)

var (
	ErrStatusNope error = errors.New("non-retriable HTTP status received")
)

// RetryClient contains variables and methods to use when making smarter HTTP requests
type RetryClient struct {
	client  *http.Client
	timeout time.Duration
	retrier *retrier.Retrier
}

// NewRetryClient returns a RetryClient that will retry failed requests ``retries`` times, every ``every``,
// and use ``timeout`` as a timeout
func NewRetryClient(retries int, every, timeout time.Duration) *RetryClient {

	b := make(retrier.BlacklistClassifier, 1)
	b[0] = ErrStatusNope

	return &RetryClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
		retrier: retrier.New(retrier.ConstantBackoff(retries, every), b),
	}
}

// NewRetryClientWithExponentialBackoff returns a RetryClient that will retry failed requests ``retries`` times,
// first after ``initially`` and exponentially longer each time, and use ``timeout`` as a timeout
func NewRetryClientWithExponentialBackoff(retries int, initially, timeout time.Duration) *RetryClient {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = ErrStatusNope

	return &RetryClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
		retrier: retrier.New(retrier.ExponentialBackoff(retries, initially), b),
	}
}

// Do takes a Request, and returns a Response or an error, following the rules of the RetryClient.
//
// A 4xx response is never retried (it is blacklisted via ErrStatusNope, so
// the retrier stops immediately), but unlike the teacher's original, the
// response itself is still handed back to the caller instead of being
// swallowed behind the opaque ErrStatusNope: coordinator and transfer both
// need to see the actual status code to distinguish a 401/403 (Auth, fatal,
// never retried) from any other 4xx, the same way they would against a
// plain *http.Client. Discarding the response on every 4xx made that
// distinction unreachable when RetryClient was the configured Client.
func (w *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var ret *http.Response

	try := func() error {
		resp, tryErr := w.client.Do(req)
		if tryErr != nil {
			return tryErr
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			ret = resp
			return ErrStatusNope
		} else if resp.StatusCode >= 300 || resp.StatusCode < 200 {
			return fmt.Errorf("non 2XX HTTP status received: %s", resp.Status)
		}

		ret = resp
		return nil
	}

	if err := w.retrier.Run(try); err != nil && ret == nil {
		return nil, err
	}
	return ret, nil
}
