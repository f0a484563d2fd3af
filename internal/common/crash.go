package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// crashDir is where fatal crash reports land. InstallCrashHandler may
// override it before anything can panic.
var crashDir = "./logs"

// InstallCrashHandler prepares the crash report directory. Call it at
// the top of main, paired with a deferred RecoverWithCrashFile.
func InstallCrashHandler(dir string) {
	if dir != "" {
		crashDir = dir
	}
	if err := os.MkdirAll(crashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "crash handler: cannot create %s: %v\n", crashDir, err)
	}
}

// RecoverWithCrashFile recovers a panic that escaped main, writes a
// post-mortem report, and exits non-zero.
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}
	path := writeCrashReport(r)
	if path != "" {
		fmt.Fprintf(os.Stderr, "fatal crash, report saved to %s\n", path)
	}
	fmt.Fprintf(os.Stderr, "panic: %v\n", r)
	os.Exit(1)
}

// writeCrashReport dumps the panic value, all goroutine stacks, and
// runtime stats to a timestamped file. Returns "" when the file cannot
// be written; the report then goes to stderr so it is never lost.
func writeCrashReport(panicVal interface{}) string {
	report := fmt.Sprintf(
		"conveyor crash report\ntime: %s\nversion: %s\n\npanic: %v\n\n%s\ngoroutines: %d\ngomaxprocs: %d\n",
		time.Now().UTC().Format(time.RFC3339),
		GetFullVersion(),
		panicVal,
		allStacks(),
		runtime.NumGoroutine(),
		runtime.GOMAXPROCS(0),
	)

	path := filepath.Join(crashDir, fmt.Sprintf("crash-%s.log", time.Now().UTC().Format("2006-01-02T15-04-05")))
	if err := os.WriteFile(path, []byte(report), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "crash handler: cannot write %s: %v\n%s", path, err, report)
		return ""
	}
	return path
}

// allStacks captures every goroutine's stack, growing the buffer until
// the dump fits.
func allStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		if len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
