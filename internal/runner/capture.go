package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"evalgo.org/sessionagent/internal/metrics"
)

const (
	// progressNoticeInterval bounds how often a running capture reports progress.
	progressNoticeInterval = 3 * time.Second

	// maxLineChunk bounds the memory held for one console line; longer lines
	// are written through in pieces.
	maxLineChunk = 64 << 10
)

// logCapture copies a console stream into a host's capture file line by line.
type logCapture struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	interval time.Duration
	now      func() time.Time
}

func newLogCapture(logger *slog.Logger, collector *metrics.Collector) *logCapture {
	return &logCapture{
		logger:   logger,
		metrics:  collector,
		interval: progressNoticeInterval,
		now:      time.Now,
	}
}

// capture appends every line of r, terminated by the platform line
// separator, to the capture file in logsFolder until r reaches end of
// stream. It returns the number of lines written.
func (c *logCapture) capture(r io.Reader, id, logsFolder string) (int, error) {
	dest := filepath.Join(logsFolder, ConsoleLogCaptureFileName)
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(r, maxLineChunk)
	lastNotice := c.now()
	lines := 0
	inLine := false
	defer func() { c.metrics.RecordLogLines(lines) }()

	for {
		chunk, isPrefix, readErr := reader.ReadLine()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, os.ErrClosed) {
				if inLine {
					if _, err := f.WriteString(lineSeparator); err != nil {
						return lines, fmt.Errorf("failed to append to capture file: %w", err)
					}
					lines++
				}
				return lines, nil
			}
			return lines, fmt.Errorf("failed to read console output: %w", readErr)
		}

		if !inLine {
			if now := c.now(); now.Sub(lastNotice) > c.interval {
				c.logger.Info("log_collection_progress", "id", id, "lines", lines)
				lastNotice = now
			}
		}

		if _, err := f.Write(chunk); err != nil {
			return lines, fmt.Errorf("failed to append to capture file: %w", err)
		}
		if isPrefix {
			inLine = true
			continue
		}

		if _, err := f.WriteString(lineSeparator); err != nil {
			return lines, fmt.Errorf("failed to append to capture file: %w", err)
		}
		inLine = false
		lines++
	}
}
