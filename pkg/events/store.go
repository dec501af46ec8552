package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const eventLogName = "events.ndjson"

// Store persists deployment events as newline-delimited JSON, one log
// file per deployment under the deployment's directory. Appends are
// serialized per deployment so concurrent writers interleave whole
// lines, never partial ones.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at the given deployments directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// Path returns the event log path for a deployment.
func (s *Store) Path(deploymentID string) string {
	return filepath.Join(s.root, deploymentID, eventLogName)
}

func (s *Store) lockFor(deploymentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deploymentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deploymentID] = l
	}
	return l
}

// Append writes a record to the end of the deployment's event log,
// creating the log if it does not exist yet.
func (s *Store) Append(deploymentID string, record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	lock := s.lockFor(deploymentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.Path(deploymentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create deployment directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Emit appends a freshly stamped event of the given type.
func (s *Store) Emit(deploymentID string, eventType Type, data map[string]any) error {
	return s.Append(deploymentID, NewRecord(eventType, data))
}

// Read returns all events for a deployment in append order. A missing
// log yields an empty slice. Lines that fail to parse are skipped so a
// torn write cannot make the whole history unreadable.
func (s *Store) Read(deploymentID string) ([]Record, error) {
	f, err := os.Open(s.Path(deploymentID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read event log: %w", err)
	}
	return records, nil
}

// Tail streams a deployment's events: it replays everything already in
// the log, then delivers new events as they are appended, until ctx is
// cancelled. A missing log is not an error; the stream starts empty and
// picks up events once the first append creates the file.
func (s *Store) Tail(ctx context.Context, deploymentID string) (<-chan Record, error) {
	out := make(chan Record, 64)
	go s.tail(ctx, deploymentID, out)
	return out, nil
}

func (s *Store) tail(ctx context.Context, deploymentID string, out chan<- Record) {
	defer close(out)

	path := s.Path(deploymentID)
	var offset int64

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		// Watch the directory so creation of the log file is seen too.
		_ = watcher.Add(filepath.Dir(path))
	}

	// Fallback poll covers editors of the file the watcher misses and
	// the case where the watcher could not be created at all.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		n, err := s.drainFrom(ctx, path, offset, out)
		if err != nil {
			return
		}
		offset = n

		if watcher != nil {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// drainFrom reads records from the log starting at offset, sending each
// to out, and returns the new offset. Partial trailing lines are left
// unconsumed for the next pass.
func (s *Store) drainFrom(ctx context.Context, path string, offset int64, out chan<- Record) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return offset, nil
		}
		return offset, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, nil
	}

	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Incomplete final line: re-read it once the writer
			// finishes it.
			return pos, nil
		}
		pos += int64(len(line))

		var rec Record
		if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil {
			continue
		}
		select {
		case <-ctx.Done():
			return pos, ctx.Err()
		case out <- rec:
		}
	}
}
