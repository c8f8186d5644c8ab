package transfer

type transferError string

func (e transferError) Error() string { return string(e) }

// Sentinel errors for the Range Fetcher, mirroring the root package's error
// taxonomy (spec.md §7) at the transfer layer so the producer can classify
// a failed Fetch without importing the root package (which itself imports
// transfer, per the producer -> transfer dependency direction).
const (
	// ErrTransport marks a connection-level fault (DNS, dial, TLS, timeout,
	// or a body read that failed mid-stream).
	ErrTransport = transferError("transfer: transport error")

	// ErrAuth marks a 401/403 response. Fatal for the file.
	ErrAuth = transferError("transfer: authentication/authorization failure")

	// ErrHTTPStatus marks any other non-2xx response.
	ErrHTTPStatus = transferError("transfer: unexpected HTTP status")

	// ErrShortRead marks a range response that returned fewer (or more)
	// bytes than requested, ported from parcel/http.py's
	// _check_transfer_size assertion.
	ErrShortRead = transferError("transfer: response body length did not match requested range")

	// ErrIO marks a local write failure.
	ErrIO = transferError("transfer: local write failure")
)
