package sandbox

import (
	"bytes"
	"sync"
)

// breachKind identifies which limit tripped first, in the precedence order
// mandated by spec §4.9 point 4: Memory > Output > Log > Timeout.
type breachKind int

const (
	breachNone breachKind = iota
	breachMemory
	breachOutput
	breachLog
	breachTimeout
)

// capturedOutput is an append-only, cap-bounded sink for one output stream
// (stdout or stderr). Writes past maxBytes are truncated, never grown back;
// line count is tracked for the log-entries limit. When a single Write
// would trip both the byte and line ceilings, the byte ceiling wins (output
// limit takes precedence over log limit per spec §9's decided tie-break).
type capturedOutput struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	maxBytes     int
	maxLines     int
	lines        int
	breach       breachKind
	overflowKind breachKind // breach reported when maxBytes is exceeded
}

// newCapturedOutput constructs a stdout/stderr sink: byte overflow reports
// breachOutput, line overflow reports breachLog.
func newCapturedOutput(maxBytes, maxLines int) *capturedOutput {
	return &capturedOutput{maxBytes: maxBytes, maxLines: maxLines, overflowKind: breachOutput}
}

// newHeapProxy constructs a byte counter standing in for heap usage: byte
// overflow reports breachMemory. Line counting is disabled (maxLines is
// effectively unbounded) since heap accounting has no log-entry concept.
func newHeapProxy(maxBytes int) *capturedOutput {
	return &capturedOutput{maxBytes: maxBytes, maxLines: int(^uint(0) >> 1), overflowKind: breachMemory}
}

// Write implements io.Writer. It never returns an error; once the output
// cap is hit, further bytes are silently dropped (the caller observes the
// breach via breached()).
func (c *capturedOutput) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	if c.breach == c.overflowKind {
		return n, nil
	}

	remaining := c.maxBytes - c.buf.Len()
	if remaining <= 0 {
		c.breach = c.overflowKind
		return n, nil
	}
	chunk := p
	truncated := false
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		truncated = true
	}
	c.buf.Write(chunk)
	c.lines += bytes.Count(chunk, []byte{'\n'})

	if truncated {
		c.breach = c.overflowKind
		return n, nil
	}
	if c.breach == breachNone && c.lines > c.maxLines {
		c.breach = breachLog
	}
	return n, nil
}

func (c *capturedOutput) bytesOut() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}

func (c *capturedOutput) breached() breachKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breach
}

// worseBreach returns whichever of a, b has higher precedence
// (Memory > Output > Log > Timeout), treating breachNone as lowest.
func worseBreach(a, b breachKind) breachKind {
	rank := func(k breachKind) int {
		switch k {
		case breachMemory:
			return 4
		case breachOutput:
			return 3
		case breachLog:
			return 2
		case breachTimeout:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}
