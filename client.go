package parcel

import (
	"net/http"
	"time"
)

// DefaultClient is what the Downloader, coordinator.Coordinator, and
// transfer.Fetcher use to make the metadata request and every range GET.
// Swap it (or pass a different Client via WithClient) to change retry/
// timeout behavior; it can be a lowly *http.Client if the built-in retry
// policy isn't wanted.
var DefaultClient Client = NewRetryClient(10, 2*time.Second, 60*time.Second)

// Client is an interface satisfied by *http.Client or *RetryClient.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}
