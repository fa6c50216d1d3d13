// Package source provides the transport stream inputs: files, UDP
// listeners, and SRT connections. Every source is an io.ReadCloser
// delivering raw 188-byte packet data.
package source

import (
	"fmt"
	"io"
	"os"
)

// OpenFile opens a transport stream file. With loop set, reaching the
// end of the file rewinds to the start instead of returning io.EOF, so
// the stream plays indefinitely.
func OpenFile(path string, loop bool) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	if !loop {
		return f, nil
	}
	return &loopingFile{f: f}, nil
}

type loopingFile struct {
	f *os.File
}

func (l *loopingFile) Read(p []byte) (int, error) {
	n, err := l.f.Read(p)
	if n > 0 || err != io.EOF {
		return n, err
	}
	// Rewind on EOF. An empty file would loop forever, so a rewind that
	// yields no data is a real EOF.
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("source: rewind: %w", err)
	}
	return l.f.Read(p)
}

func (l *loopingFile) Close() error {
	return l.f.Close()
}
