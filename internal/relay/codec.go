package relay

import "bytes"

// Lines are delimited by a single '\n'. '\r' is not stripped; an empty line
// is handed to the parser like any other (it classifies as garbage there).

// nextLine splits the first complete line off buf. It returns the line
// without its trailing newline, the unconsumed remainder, and whether a
// complete line was found. Bytes after the last newline stay in the buffer
// until more input arrives.
func nextLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	return buf[:i], buf[i+1:], true
}

// appendLine frames one outbound message: the payload followed by '\n'.
func appendLine(dst []byte, payload []byte) []byte {
	dst = append(dst, payload...)
	return append(dst, '\n')
}
