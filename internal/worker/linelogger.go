package worker

import (
	"bufio"
	"io"

	"github.com/rs/zerolog"
)

// lineLogger forwards everything written to it, line by line, to a zerolog
// logger under the given stream field — replacing the raw os.Stdout/Stderr
// passthrough the subprocess would otherwise inherit.
type lineLogger struct {
	w      *io.PipeWriter
	logger zerolog.Logger
}

func newLineLogger(logger zerolog.Logger, stream string) *lineLogger {
	r, w := io.Pipe()
	ll := &lineLogger{w: w, logger: logger}

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info().Str("stream", stream).Msg(scanner.Text())
		}
	}()

	return ll
}

func (l *lineLogger) Write(p []byte) (int, error) {
	return l.w.Write(p)
}
