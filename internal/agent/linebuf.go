package agent

import "bytes"

// lineBuffer splits a chunked byte stream into newline-delimited lines,
// holding partial lines across chunk boundaries.
type lineBuffer struct {
	rem []byte
}

// Append adds a chunk and returns the complete lines it unlocked, without
// trailing newlines. Empty lines are dropped.
func (b *lineBuffer) Append(chunk []byte) [][]byte {
	b.rem = append(b.rem, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.rem, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(b.rem[:idx], "\r")
		b.rem = b.rem[idx+1:]
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the buffer.
// Called once at stream end so an unterminated final line is not lost.
func (b *lineBuffer) Flush() []byte {
	rem := bytes.TrimRight(b.rem, "\r")
	b.rem = nil
	if len(rem) == 0 {
		return nil
	}
	return rem
}
