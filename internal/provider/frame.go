package provider

import "bytes"

// frameBuffer splits a byte stream into complete frames, retaining any
// partial tail until more bytes arrive. SSE frames end with a blank line
// ("\n\n"); NDJSON frames end with "\n". Each returned frame includes its
// terminator, so the concatenation of all frames plus the tail equals the
// bytes fed in.
type frameBuffer struct {
	sep []byte
	buf []byte
}

func newSSEFrames() *frameBuffer    { return &frameBuffer{sep: []byte("\n\n")} }
func newNDJSONFrames() *frameBuffer { return &frameBuffer{sep: []byte("\n")} }

// split appends p and returns every frame completed by it.
func (f *frameBuffer) split(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		i := bytes.Index(f.buf, f.sep)
		if i == -1 {
			return frames
		}
		end := i + len(f.sep)
		frame := make([]byte, end)
		copy(frame, f.buf[:end])
		frames = append(frames, frame)
		f.buf = f.buf[end:]
	}
}

// drain returns the unterminated tail, if any, and empties the buffer.
// Called once at EOF so a truncated final frame is still recorded.
func (f *frameBuffer) drain() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	tail := f.buf
	f.buf = nil
	return tail
}

// sseData extracts the payload of the first "data:" line in an SSE frame,
// or nil if the frame has none (comments, bare "event:" lines, keepalives).
func sseData(frame []byte) []byte {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(rest)
		}
	}
	return nil
}
