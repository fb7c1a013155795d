package worker

import "bytes"

// lineFramer reassembles newline-delimited frames from arbitrarily chunked
// reads. A partial line stays buffered until the terminating newline arrives
// in a later chunk.
type lineFramer struct {
	buf []byte
}

// feed appends a chunk and returns every complete line it unlocked, without
// the trailing newline. The returned slices are copies and stay valid after
// the next feed.
func (f *lineFramer) feed(p []byte) [][]byte {
	f.buf = append(f.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, f.buf[:i])
		f.buf = f.buf[i+1:]
		lines = append(lines, line)
	}
}

// pending reports how many bytes of an incomplete line are buffered.
func (f *lineFramer) pending() int {
	return len(f.buf)
}
