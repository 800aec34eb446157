// Package feed reads flow samples from a JSONL spool file written by
// an external capture process. Each line is one sample; the reader
// remembers its byte offset between polls and detects truncation when
// the spool is rotated.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"grimm.is/floe/internal/classify"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
)

// maxLineBytes bounds a single spool line. Anything longer is corrupt.
const maxLineBytes = 1 << 20

// Reader tails the spool file.
type Reader struct {
	mu      sync.Mutex
	path    string
	offset  int64
	sink    *classify.Classifier
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates a reader starting at the beginning of the spool.
func New(path string, sink *classify.Classifier, clk clock.Clock, logger *logging.Logger, reg *metrics.Registry) *Reader {
	return &Reader{
		path:    path,
		sink:    sink,
		clock:   clk,
		logger:  logger.WithComponent("feed"),
		metrics: reg,
	}
}

// Offset returns the current byte offset into the spool.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Poll reads new lines since the last poll and hands the decoded batch
// to the classifier. A missing spool file is not an error; malformed
// lines are counted and skipped.
func (r *Reader) Poll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat feed: %w", err)
	}
	if info.Size() < r.offset {
		// Rotated or truncated: start over.
		r.logger.Info("feed truncated, resetting offset", "size", info.Size(), "offset", r.offset)
		r.offset = 0
	}
	if info.Size() == r.offset {
		return nil
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek feed: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read feed: %w", err)
	}

	// Only consume up to the last complete line; a partial tail line is
	// still being written and is picked up on the next poll.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}

	var samples []classify.Sample
	for _, line := range bytes.Split(data[:end], []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineBytes {
			r.metrics.FeedLines.WithLabelValues("malformed").Inc()
			continue
		}
		var s classify.Sample
		if err := json.Unmarshal(line, &s); err != nil {
			r.metrics.FeedLines.WithLabelValues("malformed").Inc()
			r.logger.Debug("skipping malformed feed line", "error", err)
			continue
		}
		r.metrics.FeedLines.WithLabelValues("ok").Inc()
		samples = append(samples, s)
	}

	r.offset += int64(end) + 1
	r.metrics.FeedOffset.Set(float64(r.offset))

	if len(samples) == 0 {
		return nil
	}
	return r.sink.Classify(samples, r.clock.Now())
}
