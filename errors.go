package parcel

import (
	"context"
	"errors"
	"fmt"

	"github.com/parcel-client/parcel/coordinator"
	"github.com/parcel-client/parcel/statefile"
	"github.com/parcel-client/parcel/transfer"
)

// parcelError is a private string error type, ported from
// cognusion/go-rangetripper's rtError: a cheap static-error type that still
// satisfies the error interface and supports errors.Is via equality.
type parcelError string

func (e parcelError) Error() string { return string(e) }

// Static sentinel errors implementing the taxonomy from spec.md §7. Each
// class dictates a different propagation policy in the producer/coordinator:
// Transport and SizeMismatch are retried (transport-level and per-interval
// respectively); Auth and Io are fatal for the file; StateCorrupt triggers a
// restart-from-scratch rather than aborting; Cancelled is not an error
// condition at all, just a signal that a final save_state must still run.
const (
	// ErrTransport marks a connection/DNS/TLS/timeout fault. Retried at the
	// transport layer up to a bounded attempt count.
	ErrTransport = parcelError("parcel: transport error")

	// ErrHTTPStatus marks a non-2xx response that isn't classified as Auth.
	ErrHTTPStatus = parcelError("parcel: non-2xx HTTP status")

	// ErrAuth marks a 401/403 response. Fatal for the file; never retried.
	ErrAuth = parcelError("parcel: authentication/authorization failure")

	// ErrSizeMismatch marks bytes-received != bytes-requested for an
	// interval. Retried per-interval up to a bounded count; fatal for the
	// file after exhaustion.
	ErrSizeMismatch = parcelError("parcel: downloaded size does not match requested range")

	// ErrIO marks a local disk read/write failure. Fatal for the file.
	ErrIO = parcelError("parcel: local I/O failure")

	// ErrStateCorrupt marks an unreadable or invalid state file. Recovered
	// by discarding the state and restarting the download from scratch; not
	// surfaced as a file-level failure on its own.
	ErrStateCorrupt = parcelError("parcel: state file is corrupt or unrecognized")

	// ErrCancelled marks an externally requested cancellation. Not a true
	// error: the final state is still persisted before this propagates.
	ErrCancelled = parcelError("parcel: download cancelled")

	// ErrContentLengthMissing marks a metadata response lacking
	// Content-Length, ported from rangetripper's ContentLengthNumericError
	// family of static errors.
	ErrContentLengthMissing = parcelError("parcel: response did not include a usable Content-Length")

	// ErrSizeCheckFailed marks a post-completion file-size validation
	// failure, ported from rangetripper's ContentLengthMismatchError.
	ErrSizeCheckFailed = parcelError("parcel: completed file size does not match expected total size")
)

// classify maps an error surfaced from the batch/coordinator/producer/
// transfer layers onto this package's public taxonomy above, so a caller
// can use errors.Is(err, parcel.ErrAuth) and friends without reaching past
// this package into coordinator/transfer/statefile themselves. Download is
// the sole caller.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, transfer.ErrAuth), errors.Is(err, coordinator.ErrAuth):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.Is(err, transfer.ErrShortRead):
		return fmt.Errorf("%w: %w", ErrSizeMismatch, err)
	case errors.Is(err, transfer.ErrIO):
		return fmt.Errorf("%w: %w", ErrIO, err)
	case errors.Is(err, coordinator.ErrContentLengthMissing):
		return fmt.Errorf("%w: %w", ErrContentLengthMissing, err)
	case errors.Is(err, coordinator.ErrSizeCheckFailed):
		return fmt.Errorf("%w: %w", ErrSizeCheckFailed, err)
	case errors.Is(err, transfer.ErrTransport), errors.Is(err, coordinator.ErrTransport):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	case errors.Is(err, transfer.ErrHTTPStatus), errors.Is(err, coordinator.ErrHTTPStatus):
		return fmt.Errorf("%w: %w", ErrHTTPStatus, err)
	case errors.Is(err, statefile.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return err
	}
}
