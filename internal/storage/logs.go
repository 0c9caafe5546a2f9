package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage keeps step output as plain files under BaseDir, one directory
// per run and job.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// Open creates the output file of one step. The returned reference is the
// file path.
func (ls *LogStorage) Open(runID, job string, step int) (io.WriteCloser, string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID), sanitize(job))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%02d.log", step))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open step log: %w", err)
	}
	return f, path, nil
}

// SaveLog writes the whole output of a step at once.
func (ls *LogStorage) SaveLog(runID, job string, step int, output string) (string, error) {
	w, path, err := ls.Open(runID, job, step)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, output); err != nil {
		w.Close()
		return "", err
	}
	return path, w.Close()
}

// ReadLog returns stored output. Only paths under BaseDir are served.
func (ls *LogStorage) ReadLog(ref string) ([]byte, error) {
	base, err := filepath.Abs(ls.BaseDir)
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(ref)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return nil, fmt.Errorf("log %q is outside %s", ref, ls.BaseDir)
	}
	return os.ReadFile(path)
}

// sanitize removes special characters from names used as path elements
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ".")
	if clean == "" {
		return "step"
	}
	return clean
}
