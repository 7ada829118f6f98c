package savings

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Follow tails the access log at path and feeds complete lines to the
// tracker. It polls rather than using inotify so it behaves the same
// on every filesystem ziproxy might log to. Truncation (logrotate with
// copytruncate) resets the read offset to the new end of file.
func Follow(ctx context.Context, path string, interval time.Duration, tracker *Tracker, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	var offset int64 = -1
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := readFrom(path, offset, tracker)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Warn("read access log", slog.String("path", path), slog.Any("err", err))
				}
				continue
			}
			offset = next
		}
	}
}

// readFrom reads lines appended since offset and returns the new
// offset. An offset of -1 means first read: start at end of file so a
// restart does not replay history.
func readFrom(path string, offset int64, tracker *Tracker) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, err
	}
	size := info.Size()

	if offset < 0 || offset > size {
		return size, nil
	}
	if offset == size {
		return offset, nil
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(file)
	read := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line stays for the next cycle.
			return read, nil
		}
		read += int64(len(line))
		tracker.ConsumeLine(line)
	}
}
