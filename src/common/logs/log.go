// Package logs provides the logging facility shared by all fetchkit
// components. Output goes to stdout or to systemd journald; the auto mode
// picks journald when the journal socket is reachable.
package logs

import (
	"io"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"
)

// LogOutput selects the destination for log lines.
type LogOutput string

const (
	// OutputStdout writes to standard output
	OutputStdout LogOutput = "stdout"
	// OutputJournald writes to systemd journald via systemd-cat
	OutputJournald LogOutput = "journald"
	// OutputAuto selects journald when available, stdout otherwise
	OutputAuto LogOutput = "auto"
)

// Logger is the charm logger plus the destination it resolved to.
type Logger struct {
	*log.Logger
	output LogOutput
}

// Config holds logger configuration.
type Config struct {
	// Output selects the destination (stdout, journald, auto)
	Output LogOutput
	// Level is the minimum level emitted (debug, info, warn, error)
	Level string
	// Prefix is prepended to every line
	Prefix string
}

// DefaultConfig returns auto-routed info-level logging.
func DefaultConfig() Config {
	return Config{Output: OutputAuto, Level: "info"}
}

// New creates a logger for the given configuration. Journald output falls
// back to stdout when the journal is not reachable.
func New(cfg Config) *Logger {
	writer, output := resolveWriter(cfg.Output)

	return &Logger{
		Logger: log.NewWithOptions(writer, log.Options{
			Level:           parseLevel(cfg.Level),
			Prefix:          cfg.Prefix,
			ReportTimestamp: true,
		}),
		output: output,
	}
}

// NewDefault creates a logger with the default configuration. Engine packages
// use this for their package-level logger until SetLogger replaces it.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Output reports the destination the logger resolved to.
func (l *Logger) Output() LogOutput {
	return l.output
}

func resolveWriter(requested LogOutput) (io.Writer, LogOutput) {
	if (requested == OutputJournald || requested == OutputAuto) && journaldAvailable() {
		return &journaldWriter{identifier: "fetchkit"}, OutputJournald
	}
	return os.Stdout, OutputStdout
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// journaldAvailable reports whether log lines can actually reach the journal:
// systemd-cat must be on PATH and the journal socket must exist.
func journaldAvailable() bool {
	if _, err := exec.LookPath("systemd-cat"); err != nil {
		return false
	}
	_, err := os.Stat("/run/systemd/journal/socket")
	return err == nil
}

// journaldWriter forwards each write to journald through systemd-cat.
type journaldWriter struct {
	identifier string
}

// Write implements io.Writer. Any failure to reach the journal degrades to
// stdout so log lines are never dropped.
func (w *journaldWriter) Write(p []byte) (int, error) {
	cmd := exec.Command("systemd-cat", "-t", w.identifier)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return os.Stdout.Write(p)
	}
	if err := cmd.Start(); err != nil {
		return os.Stdout.Write(p)
	}

	n, writeErr := stdin.Write(p)
	stdin.Close()
	_ = cmd.Wait()

	if writeErr != nil {
		return os.Stdout.Write(p)
	}
	return n, nil
}
