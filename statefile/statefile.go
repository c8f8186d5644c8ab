// Package statefile implements the self-delimiting, versioned persistence
// format for a single download's completed set (and the file's total
// length), along with its crash-safe atomic save.
//
// Ported from parcel/segment.py's save_state / load_state: a
// tempfile.NamedTemporaryFile(prefix='.parcel_', dir=...) written, fsync'd,
// and os.rename'd over the real path. Go's encoding/gob (rather than
// pickle) provides the serialization; fixed magic and version fields at the
// head of the gob-encoded envelope make an
// unrelated or foreign-format file fail fast on Load instead of decoding
// into garbage, the Go-native equivalent of segment.py's
// `assert isinstance(self.completed, IntervalTree)`.
package statefile

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parcel-client/parcel/interval"
)

// magic identifies a parcel state file; version allows the envelope layout
// to change without silently misinterpreting an older file.
var magic = [8]byte{'p', 'a', 'r', 'c', 'e', 'l', 's', 't'}

const version = 1

// ErrCorrupt is returned by Load when the file is missing the magic header,
// carries an unsupported version, or fails to decode. Per spec.md §4.4 this
// is recovered by the caller treating the state as absent, not by aborting.
var ErrCorrupt = errors.New("statefile: corrupt or unrecognized state file")

// State is the persisted envelope: the file's total length (used to
// reconstruct the initial work pool on load) and the completed-interval set.
type State struct {
	TotalLength int64
	Completed   []interval.Interval
}

type envelope struct {
	Magic   [8]byte
	Version int
	State   State
}

// Save atomically persists state to path: it is written to a temp file in
// the same directory (so the final rename is same-filesystem), fsync'd, and
// renamed over path. A concurrent reader of path observes either the
// previous complete contents or the new complete contents, never a partial
// write — ported verbatim from segment.py.save_state.
func Save(path string, state State) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".parcel_*")
	if err != nil {
		return fmt.Errorf("statefile: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	var buf bytes.Buffer
	env := envelope{Magic: magic, Version: version, State: state}
	if encErr := gob.NewEncoder(&buf).Encode(&env); encErr != nil {
		tmp.Close()
		return fmt.Errorf("statefile: encode: %w", encErr)
	}

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: fsync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("statefile: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("statefile: rename into place: %w", err)
	}
	return nil
}

// Load reads and decodes the state file at path. A missing file is reported
// via os.IsNotExist on the returned error, matching segment.py's distinct
// "state absent" branch. Any other failure to validate the header or decode
// the envelope returns ErrCorrupt; the caller (producer) is expected to log
// it and proceed as if no state existed, per segment.py.load_state's
// except-and-reset behavior.
func Load(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, err
	}
	defer f.Close()

	var env envelope
	if decErr := gob.NewDecoder(f).Decode(&env); decErr != nil {
		if errors.Is(decErr, io.EOF) {
			return State{}, fmt.Errorf("%w: empty file: %v", ErrCorrupt, decErr)
		}
		return State{}, fmt.Errorf("%w: decode: %v", ErrCorrupt, decErr)
	}
	if env.Magic != magic {
		return State{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if env.Version != version {
		return State{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	return env.State, nil
}
