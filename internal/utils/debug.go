package utils

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/myrientdl/myrientdl/internal/config"
)

var (
	debugOnce   sync.Once
	debugLogger *log.Logger
	debugDir    string
	debugMu     sync.Mutex
)

// ConfigureDebug points future Debug calls at dir instead of the default
// logs directory. Mainly used by tests that want an isolated temp dir.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugDir = dir
	debugLogger = nil
	debugOnce = sync.Once{}
}

func openDebugLogger() *log.Logger {
	debugMu.Lock()
	dir := debugDir
	debugMu.Unlock()
	if dir == "" {
		dir = config.LogsDir()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return log.New(os.Stderr, "", log.LstdFlags)
	}

	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(f, "", log.LstdFlags|log.Lmicroseconds)
}

// Debug writes a formatted line to the current session's debug log, opening
// it lazily on first use.
func Debug(format string, args ...any) {
	debugOnce.Do(func() {
		debugLogger = openDebugLogger()
	})
	if debugLogger == nil {
		return
	}
	debugLogger.Printf(format, args...)
}

// CleanupLogs removes the oldest debug-*.log files in the logs directory,
// keeping only the keep most recent by filename (which sorts chronologically).
func CleanupLogs(keep int) {
	dir := debugDir
	if dir == "" {
		dir = config.LogsDir()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "debug-") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) <= keep {
		return
	}
	for _, name := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}
