// Package chunker splits a source document into ordered, line-aligned chunk files.
package chunker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrSourceNotFound is returned when the source document does not exist.
var ErrSourceNotFound = errors.New("source not found")

// Chunker writes chunk files into a single directory.
type Chunker struct {
	dir string
}

func New(dir string) *Chunker {
	return &Chunker{dir: dir}
}

// ChunkPath returns the storage location of chunk index for a job.
func ChunkPath(dir, jobID string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_chunk_%d.txt", jobID, index))
}

// Split reads sourcePath line by line and writes chunks of at most chunkSize bytes.
// Boundaries only fall between lines; a line longer than chunkSize becomes a chunk of its own.
// Line terminators are kept, so concatenating the chunks in order reproduces the source exactly.
// An empty source yields no chunks.
func (c *Chunker) Split(jobID, sourcePath string, chunkSize int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	f, err := os.Open(sourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourcePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	var (
		paths []string
		buf   []byte
	)
	flush := func() error {
		path := ChunkPath(c.dir, jobID, len(paths))
		if err := os.WriteFile(path, buf, 0o600); err != nil {
			return fmt.Errorf("write chunk %d: %w", len(paths), err)
		}
		paths = append(paths, path)
		buf = buf[:0]
		return nil
	}

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadString('\n')
		if len(line) > 0 {
			if len(buf) > 0 && len(buf)+len(line) > chunkSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			buf = append(buf, line...)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read source: %w", readErr)
		}
	}

	if len(buf) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
