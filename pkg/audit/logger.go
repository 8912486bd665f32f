package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"simulator/pkg/logger"
)

// StdoutLogger writes every entry as one JSON line prefixed with [AUDIT].
type StdoutLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutLogger creates a StdoutLogger.
func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{out: os.Stdout}
}

// Log marshals the entry and writes it synchronously.
func (l *StdoutLogger) Log(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = fmt.Fprintln(l.out, "[AUDIT]", string(data))
	return err
}

// Close does nothing for stdout.
func (l *StdoutLogger) Close() error {
	return nil
}

// FileLogger writes entries asynchronously to a size-rotated file.
// Entries are buffered in a channel and flushed periodically.
type FileLogger struct {
	config *Config
	file   io.WriteCloser
	writer *bufio.Writer
	mu     sync.Mutex
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewFileLogger opens (or creates) the audit file and starts the writer loop.
func NewFileLogger(cfg *Config) (*FileLogger, error) {
	if cfg.FilePath == "" {
		cfg.FilePath = "audit.log"
	}

	if dir := filepath.Dir(cfg.FilePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log dir: %w", err)
		}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	l := &FileLogger{
		config: cfg,
		file:   file,
		writer: bufio.NewWriter(file),
		buffer: make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.processLoop()

	return l, nil
}

// Log enqueues the entry; when the buffer is full it is written synchronously.
func (l *FileLogger) Log(_ context.Context, entry *Entry) error {
	select {
	case <-l.done:
		return fmt.Errorf("audit logger is closed")
	default:
	}

	select {
	case l.buffer <- entry:
		return nil
	default:
		return l.writeEntry(entry)
	}
}

// Close stops the loop, drains the buffer, flushes and closes the file.
func (l *FileLogger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()

		for {
			select {
			case entry := <-l.buffer:
				if werr := l.writeEntryUnsafe(entry); werr != nil {
					logger.Log.Warn("Failed to write audit entry during shutdown", "error", werr)
				}
				continue
			default:
			}
			break
		}

		if ferr := l.writer.Flush(); ferr != nil {
			logger.Log.Warn("Failed to flush audit writer", "error", ferr)
		}
		err = l.file.Close()
	})
	return err
}

func (l *FileLogger) processLoop() {
	defer l.wg.Done()

	flushPeriod := l.config.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = 5 * time.Second
	}

	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case entry := <-l.buffer:
			if err := l.writeEntry(entry); err != nil {
				logger.Log.Warn("Failed to write audit entry", "error", err)
			}
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *FileLogger) writeEntry(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeEntryUnsafe(entry)
}

// writeEntryUnsafe ожидает, что мьютекс уже захвачен
func (l *FileLogger) writeEntryUnsafe(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = l.writer.Write(append(data, '\n'))
	return err
}

func (l *FileLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		logger.Log.Warn("Failed to flush audit writer", "error", err)
	}
}

// New returns the backend selected by cfg; a disabled config yields a NoopLogger.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if !cfg.Enabled {
		return NoopLogger{}, nil
	}

	switch cfg.Backend {
	case "file":
		return NewFileLogger(cfg)
	case "stdout", "":
		return NewStdoutLogger(), nil
	default:
		logger.Log.Warn("Unknown audit backend, using stdout", "backend", cfg.Backend)
		return NewStdoutLogger(), nil
	}
}

// NoopLogger discards every entry.
type NoopLogger struct{}

func (NoopLogger) Log(_ context.Context, _ *Entry) error { return nil }

func (NoopLogger) Close() error { return nil }
