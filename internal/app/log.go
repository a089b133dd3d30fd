package app

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// InitLog sets the jww thresholds from level and, when logPath is set,
// sends log output to that file instead of stdout. The returned closer
// releases the file.
func InitLog(level, logPath string) (io.Closer, error) {
	threshold, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	var closer io.Closer = nopCloser{}
	if logPath != "" && logPath != "-" {
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(logOutput)
		closer = logOutput
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.INFO.Printf("log level set to: %s", strings.ToUpper(level))
	return closer, nil
}

func parseLogLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "", "info":
		return jww.LevelInfo, nil
	case "warn", "warning":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	default:
		return jww.LevelInfo, errors.Errorf("unknown log level %q", level)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
