package iostore

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPreallocate(t *testing.T) {
	Convey("Given a temp directory", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.bin")

		Convey("Preallocate creates a file of exactly the requested length", func() {
			So(Preallocate(path, 1024), ShouldBeNil)
			fi, err := os.Stat(path)
			So(err, ShouldBeNil)
			So(fi.Size(), ShouldEqual, 1024)
		})

		Convey("Preallocate is idempotent for an already-correct file", func() {
			So(Preallocate(path, 512), ShouldBeNil)
			So(WriteAt(path, 0, []byte("hello")), ShouldBeNil)
			So(Preallocate(path, 512), ShouldBeNil)

			got := make([]byte, 5)
			_, err := ReadAt(path, 0, got)
			So(err, ShouldBeNil)
			So(string(got), ShouldEqual, "hello")
		})

		Convey("Preallocate of a zero-length file succeeds", func() {
			So(Preallocate(path, 0), ShouldBeNil)
			fi, err := os.Stat(path)
			So(err, ShouldBeNil)
			So(fi.Size(), ShouldEqual, 0)
		})
	})
}

func TestWriteAtDisjointOffsets(t *testing.T) {
	Convey("Given a preallocated file", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.bin")
		So(Preallocate(path, 12), ShouldBeNil)

		Convey("Writes to disjoint offsets do not clobber each other", func() {
			done := make(chan error, 3)
			go func() { done <- WriteAt(path, 0, []byte("AAAA")) }()
			go func() { done <- WriteAt(path, 4, []byte("BBBB")) }()
			go func() { done <- WriteAt(path, 8, []byte("CCCC")) }()
			for i := 0; i < 3; i++ {
				So(<-done, ShouldBeNil)
			}

			got := make([]byte, 12)
			_, err := ReadAt(path, 0, got)
			So(err, ShouldBeNil)
			So(string(got), ShouldEqual, "AAAABBBBCCCC")
		})
	})
}

func TestSizeMatches(t *testing.T) {
	Convey("Given a regular file of known size", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.bin")
		So(Preallocate(path, 100), ShouldBeNil)

		Convey("SizeMatches is true for the exact size", func() {
			So(SizeMatches(path, 100), ShouldBeTrue)
		})
		Convey("SizeMatches is false for the wrong size", func() {
			So(SizeMatches(path, 99), ShouldBeFalse)
		})
		Convey("SizeMatches is false for a missing file", func() {
			So(SizeMatches(filepath.Join(dir, "missing"), 100), ShouldBeFalse)
		})
	})
}
