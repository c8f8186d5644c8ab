package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/parcel-client/parcel/interval"
	"github.com/parcel-client/parcel/statefile"
)

func seedState(t *testing.T, statePath string, size int64) {
	t.Helper()
	err := statefile.Save(statePath, statefile.State{
		TotalLength: size,
		Completed:   []interval.Interval{{Begin: 0, End: size}},
	})
	if err != nil {
		t.Fatalf("seedState: %v", err)
	}
}

type httpDoer struct{ c *http.Client }

func (d httpDoer) Do(r *http.Request) (*http.Response, error) { return d.c.Do(r) }

func TestCoordinator_DownloadsAndDerivesFilenameFromContentDisposition(t *testing.T) {
	defer leaktest.Check(t)()

	const body = "the quick brown fox jumps over the lazy dog"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng == "" {
			w.Header().Set("Content-Length", "43")
			w.Header().Set("Content-Disposition", `attachment; filename=fox.txt`)
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	Convey("Given a server exposing a file with a Content-Disposition filename", t, func() {
		dir := t.TempDir()
		c := New(Config{
			FileID:      "42",
			URL:         srv.URL,
			Directory:   dir,
			WorkerCount: 1,
			Client:      httpDoer{http.DefaultClient},
		})

		Convey("Download writes the file under file_id_filename", func() {
			res, err := c.Download(context.Background())
			So(err, ShouldBeNil)
			So(res.OutputPath, ShouldEqual, filepath.Join(dir, "42_fox.txt"))

			got, err := os.ReadFile(res.OutputPath)
			So(err, ShouldBeNil)
			So(string(got), ShouldEqual, body)
		})
	})
}

func TestCoordinator_MetadataAuthFailureIsFatal(t *testing.T) {
	defer leaktest.Check(t)()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	Convey("Given a server that rejects the metadata request", t, func() {
		dir := t.TempDir()
		c := New(Config{FileID: "42", URL: srv.URL, Directory: dir, Client: httpDoer{http.DefaultClient}})

		Convey("Download returns ErrAuth without creating an output file", func() {
			_, err := c.Download(context.Background())
			So(errors.Is(err, ErrAuth), ShouldBeTrue)

			_, statErr := os.Stat(filepath.Join(dir, "42"))
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})
	})
}

func TestCoordinator_RangeAuthFailureIsFatalWithoutRetry(t *testing.T) {
	defer leaktest.Check(t)()

	var rangeRequests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng == "" {
			w.Header().Set("Content-Length", "10")
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			return
		}
		rangeRequests++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	Convey("Given a server that rejects every range request with 403", t, func() {
		dir := t.TempDir()
		c := New(Config{FileID: "42", URL: srv.URL, Directory: dir, WorkerCount: 1, Client: httpDoer{http.DefaultClient}})

		Convey("Download fails on the first attempt without retrying the interval", func() {
			_, err := c.Download(context.Background())
			So(err, ShouldNotBeNil)
			So(rangeRequests, ShouldEqual, 1)
		})
	})
}

func TestCoordinator_MissingContentLengthIsFatal(t *testing.T) {
	defer leaktest.Check(t)()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Flushing sends the headers before the handler returns, so the
		// server falls back to chunked encoding instead of adding its own
		// "Content-Length: 0".
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	Convey("Given a server whose metadata response omits Content-Length", t, func() {
		dir := t.TempDir()
		c := New(Config{FileID: "42", URL: srv.URL, Directory: dir, Client: httpDoer{http.DefaultClient}})

		Convey("Download returns ErrContentLengthMissing", func() {
			_, err := c.Download(context.Background())
			So(errors.Is(err, ErrContentLengthMissing), ShouldBeTrue)
		})
	})
}

func TestCoordinator_AlreadyCompleteShortCircuits(t *testing.T) {
	defer leaktest.Check(t)()

	const body = "complete already"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "16")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	Convey("Given an output file that already matches the expected size", t, func() {
		dir := t.TempDir()
		outputPath := filepath.Join(dir, "7")
		So(os.WriteFile(outputPath, []byte(body), 0644), ShouldBeNil)
		statePath := filepath.Join(dir, ".7.parcel")

		// Seed state as fully completed so the Producer's resume branch
		// recognizes it without issuing any range request.
		seedState(t, statePath, int64(len(body)))

		c := New(Config{FileID: "7", URL: srv.URL, Directory: dir, Client: httpDoer{http.DefaultClient}})

		Convey("Download short-circuits without any range GET", func() {
			res, err := c.Download(context.Background())
			So(err, ShouldBeNil)
			So(res.Size, ShouldEqual, len(body))
		})
	})
}

func TestCoordinator_NonRangeServerFallsBackToSequentialDownload(t *testing.T) {
	defer leaktest.Check(t)()

	const body = "a server with no range support at all"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "37")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write([]byte(body))
		}
	}))
	defer srv.Close()

	Convey("Given a server that never advertises Accept-Ranges: bytes", t, func() {
		dir := t.TempDir()
		c := New(Config{FileID: "9", URL: srv.URL, Directory: dir, Client: httpDoer{http.DefaultClient}})

		Convey("Download performs a single sequential GET and writes the whole body", func() {
			res, err := c.Download(context.Background())
			So(err, ShouldBeNil)

			got, err := os.ReadFile(res.OutputPath)
			So(err, ShouldBeNil)
			So(string(got), ShouldEqual, body)
		})
	})
}
