// buildd is the build worker daemon: it serves the dispatcher RPC
// surface over HTTP and drives one build at a time through an isolated
// chroot or container environment.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/canonical/buildd-worker/internal/builder"
	"github.com/canonical/buildd-worker/internal/env"
	"github.com/canonical/buildd-worker/internal/filecache"
	"github.com/canonical/buildd-worker/internal/logsink"
	"github.com/canonical/buildd-worker/internal/rpcapi"
	"github.com/mattn/go-isatty"
)

// version is stamped by the package build; empty in development trees.
var version = ""

func main() {
	var (
		listen    = flag.String("listen", ":8221", "address for the dispatcher RPC surface")
		cacheDir  = flag.String("filecache", "/home/buildd/filecache-default", "content-addressed file cache directory")
		home      = flag.String("home", env.Home, "worker home directory (build trees live here)")
		sharePath = flag.String("sharepath", env.SharePath, "directory holding the builder-prep/in-target helpers")
		archTag   = flag.String("arch_tag", "amd64", "architecture tag reported to the dispatcher")
	)
	flag.Parse()

	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log.LstdFlags)
	} else {
		// journald adds its own timestamps.
		log.SetFlags(0)
	}
	logger := log.New(os.Stderr, "", log.Flags())

	env.Home = *home
	env.SharePath = *sharePath

	if err := os.MkdirAll(*cacheDir, 0755); err != nil {
		log.Fatalf("creating file cache directory: %v", err)
	}
	cache, err := filecache.New(*cacheDir)
	if err != nil {
		log.Fatalf("%v", err)
	}
	sink := logsink.New(
		filepath.Join(*cacheDir, "buildlog"),
		filepath.Join(*cacheDir, "buildlog.unsanitized"),
		logger)

	b := builder.New(cache, sink, *home, *archTag, version, logger)
	srv := rpcapi.New(b, logger)

	logger.Printf("buildd listening on %s (arch %s, cache %s)", *listen, *archTag, *cacheDir)
	if err := http.ListenAndServe(*listen, srv.Handler()); err != nil {
		log.Fatalf("%v", err)
	}
}
