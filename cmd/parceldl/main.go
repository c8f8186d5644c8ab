// Command parceldl is a thin CLI wrapper around the parcel package: it
// parses flags, constructs a Downloader, and downloads the file ids given
// as positional arguments. Manifest parsing, an interactive REPL, and a
// tunneling proxy are explicitly out of scope (spec.md §1 Non-goals); this
// binary is deliberately the simplest possible driver for the library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/parcel-client/parcel"
)

func main() {
	var (
		baseURL      = flag.String("server", "", "base URL to join each file id onto, e.g. https://example.org/files")
		directory    = flag.String("dir", ".", "directory to download files into")
		tokenPath    = flag.String("token", "", "path to a file containing an auth token")
		workers      = flag.Int("workers", 10, "concurrent range requests per file")
		maxFiles     = flag.Int("max-concurrent-files", 0, "max files downloading at once (0 = unbounded)")
		segmentMD5   = flag.Bool("segment-md5sums", false, "record and revalidate a per-segment MD5 checksum on resume")
	)
	flag.Parse()

	fileIDs := flag.Args()
	if *baseURL == "" || len(fileIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: parceldl -server <base-url> [-dir <dir>] [-token <path>] [-workers N] <file-id> [file-id ...]")
		os.Exit(2)
	}

	var token string
	if *tokenPath != "" {
		raw, err := os.ReadFile(*tokenPath)
		if err != nil {
			log.Fatalf("reading token file: %v", err)
		}
		token = strings.TrimSpace(string(raw))
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	d, err := parcel.New(
		parcel.WithBaseURL(*baseURL),
		parcel.WithDirectory(*directory),
		parcel.WithAuthToken(token),
		parcel.WithWorkersPerFile(*workers),
		parcel.WithMaxConcurrentFiles(*maxFiles),
		parcel.WithSegmentChecksums(*segmentMD5),
		parcel.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("configuring downloader: %v", err)
	}

	downloaded, errs := d.Download(context.Background(), fileIDs)

	for id := range downloaded {
		logger.Printf("downloaded %s", id)
	}
	for id, err := range errs {
		logger.Printf("failed %s: %v", id, err)
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
}
