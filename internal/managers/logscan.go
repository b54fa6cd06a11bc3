package managers

import (
	"os"
	"regexp"
)

const logScanChunkSize = 256 * 1024

// searchLog looks for the first of patterns in the build log at path,
// using a sliding two-chunk window so huge logs are never read into
// memory at once (matches must therefore be shorter than one chunk). If
// stop matches first, the search ends without reading the rest of the
// file. Returns the index of the matching pattern and its submatches,
// or (-1, nil).
func searchLog(path string, patterns []*regexp.Regexp, stop *regexp.Regexp) (int, [][]byte) {
	f, err := os.Open(path)
	if err != nil {
		return -1, nil
	}
	defer f.Close()

	var window []byte
	chunk := make([]byte, logScanChunkSize)
	for {
		n, err := f.Read(chunk)
		if n == 0 {
			if err != nil {
				return -1, nil
			}
			continue
		}
		window = append(window, chunk[:n]...)
		for i, rx := range patterns {
			if mo := rx.FindSubmatch(window); mo != nil {
				return i, mo
			}
		}
		if stop != nil && stop.Match(window) {
			return -1, nil
		}
		if len(window) > logScanChunkSize {
			window = window[len(window)-logScanChunkSize:]
		}
		if err != nil {
			return -1, nil
		}
	}
}

// logTail reads up to the last n bytes of the file at path.
func logTail(path string, n int64) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil
	}
	if size := fi.Size(); size > n {
		f.Seek(size-n, 0)
	}
	buf := make([]byte, n)
	read, _ := f.Read(buf)
	return buf[:read]
}
