package logx

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LogFiles returns the log file at path and the backups lumberjack rotated
// out of it, oldest first. Missing files are skipped.
func LogFiles(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(path, ext) + "-"
	backups, err := filepath.Glob(globEscape(prefix) + "*" + globEscape(ext))
	if err != nil {
		return nil, err
	}

	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, p := range append(backups, path) {
		st, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.Mode().IsRegular() {
			files = append(files, file{path: p, mod: st.ModTime()})
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// ReadTail returns the last n lines across LogFiles(path). A non-empty
// contains keeps only lines holding it, ignoring case.
func ReadTail(path string, n int, contains string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	files, err := LogFiles(path)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(contains)
	tail := make([]string, 0, n)
	for _, p := range files {
		if err := scanLines(p, func(line string) {
			if needle != "" && !strings.Contains(strings.ToLower(line), needle) {
				return
			}
			if len(tail) == n {
				copy(tail, tail[1:])
				tail = tail[:n-1]
			}
			tail = append(tail, line)
		}); err != nil {
			return nil, err
		}
	}
	return tail, nil
}

func scanLines(path string, fn func(string)) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		// rotated away between listing and opening
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	return sc.Err()
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
