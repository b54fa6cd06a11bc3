package managers

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// changesFiles parses the Files: section of a .changes file and returns
// the filenames it lists (the last whitespace-separated token of each
// continuation line).
func changesFiles(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("managers: %w", err)
	}
	defer f.Close()

	var names []string
	seenFiles := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !seenFiles {
			if strings.HasPrefix(line, "Files:") {
				seenFiles = true
			}
			continue
		}
		if !strings.HasPrefix(line, " ") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			names = append(names, fields[len(fields)-1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("managers: %w", err)
	}
	return names, nil
}
