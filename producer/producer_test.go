package producer

import (
	"context"
	"crypto/md5"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/parcel-client/parcel/interval"
	"github.com/parcel-client/parcel/iostore"
)

// fakeFetcher serves ranges out of an in-memory buffer, optionally failing
// each interval listed in failOnce exactly once before succeeding, to exercise the producer's
// dispatch/completion loop without a real network dependency.
type fakeFetcher struct {
	mu       sync.Mutex
	data     []byte
	outPath  string
	failOnce map[int64]bool
	digest   bool
	calls    map[int64]int
}

func (f *fakeFetcher) Fetch(ctx context.Context, iv interval.Interval) (interval.Interval, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[int64]int)
	}
	f.calls[iv.Begin]++
	shouldFail := f.failOnce[iv.Begin]
	if shouldFail {
		delete(f.failOnce, iv.Begin)
	}
	f.mu.Unlock()

	if shouldFail {
		return interval.Interval{}, errors.New("fake: simulated transient failure")
	}

	chunk := f.data[iv.Begin:iv.End]
	if err := iostore.WriteAt(f.outPath, iv.Begin, chunk); err != nil {
		return interval.Interval{}, err
	}

	out := interval.Interval{Begin: iv.Begin, End: iv.End}
	if f.digest {
		out.Digest = interval.Digest{Present: true, Sum: md5.Sum(chunk)}
	}
	return out, nil
}

func (f *fakeFetcher) callCount(begin int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[begin]
}

func TestProducer_FreshDownloadCompletesAllBytes(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a fresh file with no prior state", t, func() {
		dir := t.TempDir()
		data := make([]byte, 10000)
		for i := range data {
			data[i] = byte(i)
		}
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		fetcher := &fakeFetcher{data: data, outPath: outPath}
		p, err := New(Config{
			FileID:      "123",
			OutputPath:  outPath,
			StatePath:   statePath,
			Size:        int64(len(data)),
			WorkerCount: 4,
			Fetcher:     fetcher,
		})
		So(err, ShouldBeNil)

		Convey("Run downloads every byte and reports completion", func() {
			So(p.Run(context.Background()), ShouldBeNil)
			So(p.IsComplete(), ShouldBeTrue)
			So(p.Completed().Measure(), ShouldEqual, len(data))

			got := make([]byte, len(data))
			_, err := iostore.ReadAt(outPath, 0, got)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, data)
		})
	})
}

func TestProducer_ResumesFromPriorState(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a file half-completed by a prior run", t, func() {
		dir := t.TempDir()
		data := make([]byte, 4000)
		for i := range data {
			data[i] = byte(i % 256)
		}
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		So(iostore.Preallocate(outPath, int64(len(data))), ShouldBeNil)
		So(iostore.WriteAt(outPath, 0, data[:2000]), ShouldBeNil)

		fetcher := &fakeFetcher{data: data, outPath: outPath}
		firstRun, err := New(Config{
			FileID:      "123",
			OutputPath:  outPath,
			StatePath:   statePath,
			Size:        int64(len(data)),
			WorkerCount: 2,
			Fetcher:     fetcher,
		})
		So(err, ShouldBeNil)
		firstRun.completed.Insert(interval.Interval{Begin: 0, End: 2000})
		firstRun.sizeComplete = 2000
		firstRun.saveState()

		Convey("A new Producer loads the saved state and only fetches the remainder", func() {
			second, err := New(Config{
				FileID:      "123",
				OutputPath:  outPath,
				StatePath:   statePath,
				Size:        int64(len(data)),
				WorkerCount: 2,
				Fetcher:     fetcher,
			})
			So(err, ShouldBeNil)
			So(second.Completed().Measure(), ShouldEqual, 2000)

			So(second.Run(context.Background()), ShouldBeNil)
			So(second.IsComplete(), ShouldBeTrue)

			got := make([]byte, len(data))
			_, err = iostore.ReadAt(outPath, 0, got)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, data)
		})
	})
}

func TestProducer_TransientFailureIsRetriedViaRedispatch(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a fetcher that fails the first interval once", t, func() {
		dir := t.TempDir()
		data := make([]byte, 100)
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		fetcher := &fakeFetcher{data: data, outPath: outPath, failOnce: map[int64]bool{0: true}}
		p, err := New(Config{
			FileID:      "f",
			OutputPath:  outPath,
			StatePath:   statePath,
			Size:        int64(len(data)),
			WorkerCount: 1,
			Fetcher:     fetcher,
		})
		So(err, ShouldBeNil)

		Convey("Run retries the interval whole and completes successfully", func() {
			So(p.Run(context.Background()), ShouldBeNil)
			So(p.IsComplete(), ShouldBeTrue)

			got := make([]byte, len(data))
			_, err := iostore.ReadAt(outPath, 0, got)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, data)
		})
	})
}

func TestProducer_ExhaustedRetriesIsFatal(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a fetcher that always fails the sole interval", t, func() {
		dir := t.TempDir()
		data := make([]byte, 100)
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		fetcher := &alwaysFailFetcher{}
		p, err := New(Config{
			FileID:             "f",
			OutputPath:         outPath,
			StatePath:          statePath,
			Size:               int64(len(data)),
			WorkerCount:        1,
			MaxIntervalRetries: 2,
			Fetcher:            fetcher,
		})
		So(err, ShouldBeNil)

		Convey("Run gives up after MaxIntervalRetries additional attempts", func() {
			err := p.Run(context.Background())
			So(err, ShouldNotBeNil)
			So(fetcher.attempts(), ShouldEqual, 3) // initial attempt + 2 retries
			So(p.IsComplete(), ShouldBeFalse)
		})
	})
}

func TestProducer_NonRetriableErrorFailsWithoutRetry(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given an IsRetriable predicate that rejects every error", t, func() {
		dir := t.TempDir()
		data := make([]byte, 100)
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		fetcher := &alwaysFailFetcher{}
		p, err := New(Config{
			FileID:      "f",
			OutputPath:  outPath,
			StatePath:   statePath,
			Size:        int64(len(data)),
			WorkerCount: 1,
			Fetcher:     fetcher,
			IsRetriable: func(error) bool { return false },
		})
		So(err, ShouldBeNil)

		Convey("Run fails on the first attempt, with no retries", func() {
			err := p.Run(context.Background())
			So(err, ShouldNotBeNil)
			So(fetcher.attempts(), ShouldEqual, 1)
		})
	})
}

// alwaysFailFetcher fails every fetch, counting attempts, to exercise the
// producer's retry-exhaustion and non-retriable-error paths.
type alwaysFailFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *alwaysFailFetcher) Fetch(ctx context.Context, iv interval.Interval) (interval.Interval, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return interval.Interval{}, errors.New("fake: permanent failure")
}

func (f *alwaysFailFetcher) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestProducer_CorruptSegmentIsEvictedOnResume(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a completed segment whose on-disk bytes no longer match its recorded checksum", t, func() {
		dir := t.TempDir()
		data := make([]byte, 1000)
		for i := range data {
			data[i] = byte(i % 256)
		}
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		So(iostore.Preallocate(outPath, int64(len(data))), ShouldBeNil)
		So(iostore.WriteAt(outPath, 0, data[:500]), ShouldBeNil)

		fetcher := &fakeFetcher{data: data, outPath: outPath, digest: true}
		seed, err := New(Config{FileID: "f", OutputPath: outPath, StatePath: statePath, Size: int64(len(data)), WorkerCount: 1, Fetcher: fetcher})
		So(err, ShouldBeNil)
		seed.completed.Insert(interval.Interval{Begin: 0, End: 500, Digest: interval.Digest{Present: true, Sum: md5.Sum(data[:500])}})
		seed.sizeComplete = 500
		seed.saveState()

		// Corrupt the on-disk bytes after the state was saved.
		So(iostore.WriteAt(outPath, 0, make([]byte, 500)), ShouldBeNil)

		Convey("A resumed Producer with checksum validation evicts and redownloads it", func() {
			second, err := New(Config{
				FileID: "f", OutputPath: outPath, StatePath: statePath, Size: int64(len(data)),
				WorkerCount: 1, Fetcher: fetcher, CheckSegmentMD5: true,
			})
			So(err, ShouldBeNil)
			So(second.Completed().Measure(), ShouldEqual, 0)

			So(second.Run(context.Background()), ShouldBeNil)
			So(second.IsComplete(), ShouldBeTrue)

			got := make([]byte, len(data))
			_, err = iostore.ReadAt(outPath, 0, got)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, data)
		})
	})
}

func TestProducer_MultiSegmentDigestsSurviveAdjacencyAndOnlyCorruptSegmentRedownloads(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("Given a fresh four-worker download with segment checksums enabled", t, func() {
		dir := t.TempDir()
		data := make([]byte, 400)
		for i := range data {
			data[i] = byte(i % 256)
		}
		outPath := filepath.Join(dir, "out.bin")
		statePath := filepath.Join(dir, ".out.bin.parcel")

		fetcher := &fakeFetcher{data: data, outPath: outPath, digest: true}
		p, err := New(Config{
			FileID: "f", OutputPath: outPath, StatePath: statePath,
			Size: int64(len(data)), WorkerCount: 4, Fetcher: fetcher, CheckSegmentMD5: true,
		})
		So(err, ShouldBeNil)
		So(p.Run(context.Background()), ShouldBeNil)

		Convey("Each of the four dispatched intervals keeps its own digest instead of merging into one", func() {
			So(p.Completed().Len(), ShouldEqual, 4)
			for _, iv := range p.Completed().Intervals() {
				So(iv.Digest.Present, ShouldBeTrue)
			}
		})

		Convey("Corrupting one segment on disk causes only that segment to be redownloaded on resume", func() {
			// Corrupt the second dispatched interval, [100, 200).
			So(iostore.WriteAt(outPath, 100, make([]byte, 100)), ShouldBeNil)

			second, err := New(Config{
				FileID: "f", OutputPath: outPath, StatePath: statePath,
				Size: int64(len(data)), WorkerCount: 4, Fetcher: fetcher, CheckSegmentMD5: true,
			})
			So(err, ShouldBeNil)
			So(second.Completed().Measure(), ShouldEqual, 300)

			So(second.Run(context.Background()), ShouldBeNil)
			So(second.IsComplete(), ShouldBeTrue)

			So(fetcher.callCount(0), ShouldEqual, 1)
			So(fetcher.callCount(100), ShouldEqual, 2) // original fetch + redownload after corruption
			So(fetcher.callCount(200), ShouldEqual, 1)
			So(fetcher.callCount(300), ShouldEqual, 1)

			got := make([]byte, len(data))
			_, err = iostore.ReadAt(outPath, 0, got)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, data)
		})
	})
}
