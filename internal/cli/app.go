package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tkardel/ticketwatch/internal/cache"
	"github.com/tkardel/ticketwatch/internal/config"
	"github.com/tkardel/ticketwatch/internal/engine"
	"github.com/tkardel/ticketwatch/internal/helpdesk"
	"github.com/tkardel/ticketwatch/internal/reasoning"
	"github.com/tkardel/ticketwatch/internal/retry"
	"github.com/tkardel/ticketwatch/internal/sqlite"
)

// app bundles the wired collaborators every command needs.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sqlite.DB
	tracker *sqlite.Tracker
	markers *cache.MarkerCache
	engine  *engine.Engine

	closers []func() error
}

// buildApp loads configuration and wires the full dependency graph. When
// stdioMode is set, logs go to stderr so stdout stays clean for JSON-RPC.
func buildApp(ctx context.Context, stdioMode bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logWriter := io.Writer(os.Stdout)
	if stdioMode {
		logWriter = os.Stderr
	}
	a := &app{cfg: cfg}
	if logPath := os.Getenv("TICKETWATCH_LOG_PATH"); logPath != "" {
		fileWriter, file, err := newLogFileWriter(logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			a.closers = append(a.closers, file.Close)
			logWriter = fileWriter
		}
	}
	a.logger = slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("preparing database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if err := db.Migrate(ctx, retry.DefaultPolicy()); err != nil {
		a.close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	trackerOpts := sqlite.DefaultTrackerOptions()
	trackerOpts.SkipThreshold = cfg.Tracker.SkipThreshold
	trackerOpts.ActivityBuffer = cfg.Tracker.ActivityBuffer
	a.tracker = sqlite.NewTracker(db, a.logger, trackerOpts)

	a.markers, err = cache.New(cfg.Cache.Limit)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating marker cache: %w", err)
	}

	source := helpdesk.NewClient(helpdesk.Options{
		BaseURL:    cfg.Helpdesk.BaseURL,
		APIKey:     cfg.Helpdesk.APIKey,
		Timeout:    cfg.Helpdesk.Timeout,
		PageSize:   cfg.Helpdesk.PageSize,
		MaxTickets: cfg.Helpdesk.MaxTickets,
		Policy:     retry.DefaultPolicy(),
	}, a.logger)

	reasoner := reasoning.NewClient(reasoning.Options{
		BaseURL: cfg.Reasoning.BaseURL,
		Model:   cfg.Reasoning.Model,
		Timeout: cfg.Reasoning.Timeout,
		Policy:  retry.DefaultPolicy(),
	}, reasoning.StaticKey(cfg.Reasoning.APIKey), a.logger)

	a.engine = engine.New(engine.Config{
		PollInterval: cfg.Poll.Interval,
		Workers:      cfg.Poll.Workers,
	}, source, reasoner, a.tracker, a.markers, a.logger)

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close error: %v\n", err)
		}
	}
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

// logFileWriter appends to a single log file and trims it from the front
// once it grows past maxLogSizeBytes, keeping the newest tail.
type logFileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func newLogFileWriter(path string) (*logFileWriter, *os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	writer := &logFileWriter{path: path, file: file}
	if err := writer.truncateIfNeeded(); err != nil {
		return nil, nil, err
	}
	return writer, file, nil
}

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.truncateIfNeeded(); err != nil {
		return n, err
	}
	return n, nil
}

func (w *logFileWriter) truncateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}

	buf := make([]byte, keepLogSizeBytes)
	if _, err := w.file.Seek(size-keepLogSizeBytes, io.SeekStart); err != nil {
		return err
	}
	n, err := w.file.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}
