package sandbox

import (
	"io"

	"github.com/conduit-run/conduit/rpcerr"
)

// multiWriter duplicates writes across ws, ignoring individual writer
// errors (capturedOutput.Write never returns one).
type multiWriter struct{ ws []io.Writer }

func teeWriter(ws ...io.Writer) io.Writer {
	return multiWriter{ws: ws}
}

func (m multiWriter) Write(p []byte) (int, error) {
	for _, w := range m.ws {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func breachErrorOrInternal(err error) *rpcerr.Error {
	if err == nil {
		return nil
	}
	return rpcerr.Internal(err)
}
