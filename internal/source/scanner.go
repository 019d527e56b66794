package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrRootMissing is returned when the message root does not exist or is not
// a directory. Callers treat it as a degraded state, not a failure.
var ErrRootMissing = errors.New("message root unavailable")

// ScanDir lists message files under root. Only the layout
// <root>/ses_*/msg_*.json is considered; anything else is ignored.
// Unreadable entries are skipped.
func ScanDir(root string) ([]DiscoveredFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootMissing, root)
	}

	var files []DiscoveredFile

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if path == root {
			return err
		}
		if err != nil {
			return nil //nolint:nilerr // intentionally skip unreadable entries
		}

		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator))

		if d.IsDir() {
			if depth == 0 && IsSessionDir(d.Name()) {
				return nil
			}
			return filepath.SkipDir
		}
		if depth != 1 || !IsMessageFile(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished between listing and stat
		}

		files = append(files, DiscoveredFile{
			Path:      path,
			SessionID: filepath.Base(filepath.Dir(path)),
			MtimeNs:   fi.ModTime().UnixNano(),
			SizeBytes: fi.Size(),
		})
		return nil
	})

	return files, err
}

// CountSessions returns the number of unique sessions in a set of discovered files.
func CountSessions(files []DiscoveredFile) int {
	seen := make(map[string]struct{})
	for _, f := range files {
		seen[f.SessionID] = struct{}{}
	}
	return len(seen)
}
