package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// logTailer streams new lines from agent log files into per-agent sinks
// using filesystem notifications. Each watched file keeps a byte offset;
// only complete lines are emitted.
type logTailer struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu    sync.Mutex
	files map[string]*tailState

	done chan struct{}
}

type tailState struct {
	offset int64
	emit   func(line string)
}

func newLogTailer(logger *zap.Logger) (*logTailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create log watcher: %w", err)
	}

	t := &logTailer{
		watcher: watcher,
		logger:  logger,
		files:   make(map[string]*tailState),
		done:    make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// watch starts tailing a log file, emitting each complete line.
func (t *logTailer) watch(path string, emit func(line string)) error {
	t.mu.Lock()
	t.files[path] = &tailState{emit: emit}
	t.mu.Unlock()

	if err := t.watcher.Add(path); err != nil {
		t.mu.Lock()
		delete(t.files, path)
		t.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	// Pick up anything written before the watch was established.
	t.drain(path)
	return nil
}

// unwatch stops tailing after a final drain.
func (t *logTailer) unwatch(path string) {
	t.drain(path)
	_ = t.watcher.Remove(path)
	t.mu.Lock()
	delete(t.files, path)
	t.mu.Unlock()
}

// sync forces a drain outside the event loop, for callers about to read
// collected logs.
func (t *logTailer) sync(path string) {
	t.drain(path)
}

func (t *logTailer) close() {
	t.watcher.Close()
	<-t.done
}

func (t *logTailer) run() {
	defer close(t.done)

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write != 0 {
				t.drain(event.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("log watcher error", zap.Error(err))
		}
	}
}

// drain reads all complete lines past the stored offset and emits them.
func (t *logTailer) drain(path string) {
	t.mu.Lock()
	st, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	offset := st.offset
	t.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return
	}

	// Emit full lines only; a trailing partial line stays for next time.
	consumed := bytes.LastIndexByte(data, '\n') + 1
	if consumed == 0 {
		return
	}

	t.mu.Lock()
	if st, ok = t.files[path]; ok && st.offset == offset {
		st.offset = offset + int64(consumed)
	} else {
		// Another drain got here first.
		t.mu.Unlock()
		return
	}
	emit := st.emit
	t.mu.Unlock()

	for _, line := range bytes.Split(data[:consumed], []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		emit(string(line))
	}
}
