package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dropnet/internal/core/domain"
	"dropnet/pkg/utils"
)

// saveFile writes a received file into dir under its sanitized name. An
// existing file is never overwritten; a numeric suffix is added instead.
func saveFile(dir string, file *domain.ReceivedFile) (string, error) {
	name := utils.SanitizeFileName(file.FileName)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(file.Data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}

// openSources opens every path for sending. A path of "-" reads stdin fully
// into memory and sends it as stdinName; it may appear at most once.
func openSources(paths []string, stdin io.Reader, stdinName string) ([]domain.FileSource, []io.Closer, error) {
	var files []domain.FileSource
	var closers []io.Closer
	seenStdin := false
	for _, path := range paths {
		if path == "-" {
			if seenStdin {
				return files, closers, errors.New("stdin can only be sent once")
			}
			seenStdin = true
			data, err := io.ReadAll(stdin)
			if err != nil {
				return files, closers, fmt.Errorf("failed to read stdin: %w", err)
			}
			files = append(files, domain.BytesFile(stdinName, data))
			continue
		}
		f, closer, err := domain.OpenFile(path)
		if err != nil {
			return files, closers, err
		}
		files = append(files, f)
		closers = append(closers, closer)
	}
	return files, closers, nil
}
