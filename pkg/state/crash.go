package state

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/juju/errors"

	"pulsespace/pkg/logger"
)

// WriteCrashDump writes diagnostics to the crash folder and returns the
// dump path.
func WriteCrashDump(dir, reason string, err error) (string, error) {
	if dir == "" {
		return "", errors.New("crash path not initialized")
	}
	if e := os.MkdirAll(dir, 0o700); e != nil {
		return "", e
	}
	dumpPath := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	f, ferr := os.Create(dumpPath)
	if ferr != nil {
		return "", ferr
	}
	defer f.Close()

	fmt.Fprintf(f, "time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	if err != nil {
		fmt.Fprintf(f, "error: %v\n", err)
	}
	fmt.Fprintf(f, "\n--- environ ---\n")
	for _, e := range os.Environ() {
		// secrets stay out of dumps
		if k, _, ok := strings.Cut(e, "="); ok && strings.Contains(k, "SECRET") {
			fmt.Fprintln(f, k+"=<redacted>")
			continue
		}
		fmt.Fprintln(f, e)
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	f.Write(buf[:n])
	return dumpPath, nil
}

// Crash writes a crash dump and terminates the process.
func Crash(reason string, err error) {
	path, derr := WriteCrashDump(PathsVar.Crash, reason, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "reason", reason, "error", err, "dump_error", derr)
		logger.Sync()
		os.Exit(1)
	}
	logger.Error("crash_dump_written_exiting", "path", path, "reason", reason, "error", err)
	logger.Sync()
	os.Exit(1)
}
