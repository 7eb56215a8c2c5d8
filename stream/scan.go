// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stream

// Byte-level scanning helpers for HTTP message framing. All header matching
// is ASCII case-insensitive and tolerates horizontal whitespace around the
// colon separator.

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// trimLowerEqual returns lower(trim(b)) == val. Done by hand because the
// bytes package equivalent (bytes.ToLower(bytes.TrimSpace(b))) allocates.
func trimLowerEqual(b []byte, val string) bool {
	l, r := 0, len(b)
	for ; l < r; l++ {
		if !isSpace(b[l]) {
			break
		}
	}
	for ; r > l; r-- {
		if !isSpace(b[r-1]) {
			break
		}
	}

	if r-l != len(val) {
		return false
	}

	for i := 0; i < r-l; i++ {
		c := b[i+l]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != val[i] {
			return false
		}
	}
	return true
}

// hasToken returns true if any of the comma-separated values in b matches
// val case-insensitively. Header values like "Connection: keep-alive,
// Upgrade" are lists, so a plain equality check is not enough.
func hasToken(b []byte, val string) bool {
	for i := 0; i < len(b); {
		comma := -1
		for j := i; j < len(b); j++ {
			if b[j] == ',' {
				comma = j
				break
			}
		}
		if comma == -1 {
			return trimLowerEqual(b[i:], val)
		}
		if trimLowerEqual(b[i:comma], val) {
			return true
		}
		i = comma + 1
	}
	return false
}

// findHeaderEnd locates the headers terminator `\r?\n\r?\n` and returns the
// offset just past it.
func findHeaderEnd(b []byte) (int, bool) {
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2, true
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3, true
		}
	}
	return 0, false
}

// findCRLF returns the offset of the first CRLF in b.
func findCRLF(b []byte) (int, bool) {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i, true
		}
	}
	return 0, false
}

// statusLine returns the first line of a header block without its line
// terminator. For requests this is the request line, for responses the
// status line.
func statusLine(block []byte) []byte {
	for i := 0; i < len(block); i++ {
		if block[i] == '\r' || block[i] == '\n' {
			return block[:i]
		}
	}
	return block
}

// headerValue returns the value of the first header named name in block,
// with surrounding whitespace kept (callers trim via trimLowerEqual,
// hasToken, parseDec). The first line of the block is skipped.
func headerValue(block []byte, name string) ([]byte, bool) {
	i := 0
	for line := 0; i < len(block); line++ {
		end := i
		for end < len(block) && block[end] != '\n' {
			end++
		}
		eol := end
		if eol > i && block[eol-1] == '\r' {
			eol--
		}

		if line > 0 && eol > i {
			colon := -1
			for j := i; j < eol; j++ {
				if block[j] == ':' {
					colon = j
					break
				}
			}
			if colon >= 0 && trimLowerEqual(block[i:colon], name) {
				return block[colon+1 : eol], true
			}
		}

		i = end + 1
	}
	return nil, false
}

// parseDec parses a decimal integer with leading whitespace tolerance.
func parseDec(b []byte) (int, bool) {
	i := 0
	for ; i < len(b); i++ {
		if !isSpace(b[i]) {
			break
		}
	}
	if i == len(b) {
		return 0, false
	}

	n := 0
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case '0' <= c && c <= '9':
			n = n*10 + int(c-'0')
		case isSpace(c):
			return n, true
		default:
			return 0, false
		}
	}
	return n, true
}

// parseChunkSize parses the hex size at the start of a chunk header line,
// ignoring any chunk extensions after a semicolon.
func parseChunkSize(b []byte) (int, bool) {
	i := 0
	for ; i < len(b); i++ {
		if !isSpace(b[i]) {
			break
		}
	}
	if i == len(b) {
		return 0, false
	}

	n, any := 0, false
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case '0' <= c && c <= '9':
			n = n<<4 + int(c-'0')
		case 'a' <= c && c <= 'f':
			n = n<<4 + int(c-'a'+10)
		case 'A' <= c && c <= 'F':
			n = n<<4 + int(c-'A'+10)
		case c == ';' || isSpace(c):
			return n, any
		default:
			return 0, false
		}
		any = true
	}
	return n, any
}
