package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidFileName is returned for names that cannot be used as a
// download key.
var ErrInvalidFileName = errors.New("invalid file name")

// listFiles reads the upload directory. Hidden entries (the spool dir and
// in-flight temp files) and directories are skipped; newest first.
func listFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, errors.Wrap(err, "read upload dir")
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, FileInfo{
			Name:       entry.Name(),
			Size:       info.Size(),
			CreateTime: info.ModTime().UnixMilli(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].CreateTime != files[j].CreateTime {
			return files[i].CreateTime > files[j].CreateTime
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// sanitizeFileName turns a client supplied name into a single NFC
// normalized path component.
func sanitizeFileName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidFileName
	}
	if strings.HasPrefix(name, ".") {
		return "", ErrInvalidFileName
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", ErrInvalidFileName
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return "", ErrInvalidFileName
		}
	}
	if len(name) > 255 {
		return "", ErrInvalidFileName
	}
	return name, nil
}

// FormatFileSize returns a human-readable file size.
func FormatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
