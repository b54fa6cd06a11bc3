// Package filecache implements the worker's content-addressed byte store:
// every artifact (chroot tarball, input file, gathered build output) is
// named by the SHA-1 hex digest of its contents and is never observable
// under its final name until that digest has been verified.
package filecache

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/xerrors"
)

const chunkSize = 256 * 1024

// Cache is a process-wide, content-addressed file store rooted at Dir.
// All methods are safe for concurrent use; writes are atomic (tmpfile +
// rename) so readers never observe a partially-written entry.
type Cache struct {
	Dir string

	// httpOnce lazily builds an http.Client tuned for large artifact
	// downloads from the librarian (HTTP/2, so a slow download doesn't
	// pin a whole TCP connection per request).
	httpOnce   sync.Once
	httpClient *http.Client
}

// New creates a Cache rooted at dir. dir must already exist and be a
// directory.
func New(dir string) (*Cache, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Errorf("filecache: %w", err)
	}
	if !fi.IsDir() {
		return nil, xerrors.Errorf("filecache: %s is not a directory", dir)
	}
	return &Cache{Dir: dir}, nil
}

// Path returns the on-disk path for the given cache key (a SHA-1 hex
// digest, or a fixed name such as "buildlog").
func (c *Cache) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

func (c *Cache) client() *http.Client {
	c.httpOnce.Do(func() {
		transport := &http.Transport{}
		// Best-effort: large artifact fetches benefit from HTTP/2
		// multiplexing, but a librarian that doesn't speak it must
		// still work over plain HTTP/1.1.
		_ = http2.ConfigureTransport(transport)
		c.httpClient = &http.Client{Transport: transport}
	})
	return c.httpClient
}

// EnsurePresent ensures that the file named by sha1sum exists in the
// cache, fetching it from url if necessary. It returns whether the file
// is present afterwards, plus a human-readable diagnostic string.
//
// An empty username paired with a non-empty password is legal: some
// librarians hand out bearer-style macaroons that travel as the HTTP
// basic-auth password with no username.
func (c *Cache) EnsurePresent(sha1sum, url, username, password string) (present bool, info string) {
	cachefile := c.Path(sha1sum)
	if url == "" {
		if _, err := os.Stat(cachefile); err == nil {
			return true, "Cache"
		}
		return false, "No URL"
	}

	if _, err := os.Stat(cachefile); err == nil {
		return true, "Cache"
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false, "Error accessing Librarian: " + err.Error()
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return false, "Error accessing Librarian: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, xerrors.Errorf("Error accessing Librarian: unexpected status %s", resp.Status).Error()
	}

	tmpPath := cachefile + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false, "Error accessing Librarian: " + err.Error()
	}

	h := sha1.New()
	w := io.MultiWriter(tmp, h)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, "Error accessing Librarian: " + err.Error()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, "Error accessing Librarian: " + err.Error()
	}

	if hex.EncodeToString(h.Sum(nil)) != sha1sum {
		os.Remove(tmpPath)
		return false, "Digests did not match, removing again!"
	}
	if err := os.Rename(tmpPath, cachefile); err != nil {
		os.Remove(tmpPath)
		return false, "Error accessing Librarian: " + err.Error()
	}
	return true, "Download"
}

// Store hashes the content at path while copying it into the cache and
// returns its SHA-1 digest. If an entry with that digest already
// exists, the copy is discarded; the existing entry is never touched.
func (c *Cache) Store(path string) (sha1sum string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("filecache: %w", err)
	}
	defer f.Close()
	return c.StoreReader(f)
}

// StoreReader is Store for content that only exists as a stream (e.g. a
// file assembled in memory while repacking a docker-save tarball).
//
// The final name depends on the content being written, so this can't use
// renameio.TempFile (which fixes its rename destination up front); it
// follows the same manual tmpfile-then-rename pattern the file cache
// itself uses for ensurePresent.
func (c *Cache) StoreReader(f io.Reader) (sha1sum string, err error) {
	tmp, err := os.CreateTemp(c.Dir, "storeFile.*.tmp")
	if err != nil {
		return "", xerrors.Errorf("filecache: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", xerrors.Errorf("filecache: %w", err)
	}

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), f); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", xerrors.Errorf("filecache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", xerrors.Errorf("filecache: %w", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if _, err := os.Stat(c.Path(sum)); err == nil {
		// Already cached under this digest; discard our copy.
		os.Remove(tmpPath)
		return sum, nil
	}
	if err := os.Rename(tmpPath, c.Path(sum)); err != nil {
		os.Remove(tmpPath)
		return "", xerrors.Errorf("filecache: %w", err)
	}
	return sum, nil
}

// Remove deletes the cache entry named by sha1sum. It is not an error
// for the entry to already be absent.
func (c *Cache) Remove(sha1sum string) error {
	if err := os.Remove(c.Path(sha1sum)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("filecache: %w", err)
	}
	return nil
}
