package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	errHeaderTooLarge = errors.New("header block too large")
	errEmptyResponse  = errors.New("empty response from upstream")
)

// FramingMode says how the end of a message body is found.
type FramingMode int

const (
	// CloseDelimited bodies run until the sender closes the connection.
	CloseDelimited FramingMode = iota
	ContentLength
	Chunked
	// NoBody is used for HEAD responses, 1xx, 204 and 304, and requests
	// with neither Content-Length nor chunked encoding.
	NoBody
)

func (m FramingMode) String() string {
	switch m {
	case CloseDelimited:
		return "close-delimited"
	case ContentLength:
		return "content-length"
	case Chunked:
		return "chunked"
	case NoBody:
		return "none"
	default:
		return fmt.Sprintf("FramingMode(%d)", int(m))
	}
}

// Framing is what a header block says about the body that follows it.
type Framing struct {
	Mode   FramingMode
	Length int64
	// Close is set when the sender asked for the connection to be closed
	// after this message.
	Close bool
}

// observe updates f from one header line. A later framing header overrides
// an earlier one; a Content-Length that does not parse leaves the body
// close-delimited.
func (f *Framing) observe(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	switch {
	case strings.EqualFold(name, "Content-Length"):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			f.Mode, f.Length = CloseDelimited, 0
			return
		}
		f.Mode, f.Length = ContentLength, n
	case strings.EqualFold(name, "Transfer-Encoding"):
		if hasToken(value, "chunked") {
			f.Mode, f.Length = Chunked, 0
		}
	case strings.EqualFold(name, "Connection"):
		if hasToken(value, "close") {
			f.Close = true
		}
	}
}

// ResponseFraming derives the body framing of a response. head[0] is the
// status line.
func ResponseFraming(head []string, headRequest bool) Framing {
	var f Framing
	for _, line := range head[1:] {
		f.observe(line)
	}
	code := statusCode(head[0])
	if headRequest || (code >= 100 && code < 200) || code == 204 || code == 304 {
		f.Mode, f.Length = NoBody, 0
	}
	return f
}

// RequestFraming derives the body framing of a request from its headers.
// Requests are never close-delimited.
func RequestFraming(headers []string) Framing {
	var f Framing
	for _, line := range headers {
		f.observe(line)
	}
	if f.Mode == CloseDelimited || (f.Mode == ContentLength && f.Length == 0) {
		f.Mode, f.Length = NoBody, 0
	}
	return f
}

func hasToken(value, token string) bool {
	for _, v := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}
	return false
}

// statusCode extracts the code from "HTTP/1.1 200 OK", or 0.
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields[1]) != 3 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// readLine reads one line and strips its CRLF or LF. A final line with no
// terminator is returned as is; io.EOF means no bytes were left. limit
// caps the line length if positive.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if limit > 0 && len(line)+len(frag) > limit {
			return "", errHeaderTooLarge
		}
		line = append(line, frag...)
		switch {
		case err == nil:
			return string(trimEOL(line)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return string(trimEOL(line)), nil
		default:
			return "", err
		}
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// readHead reads header lines up to the blank line that ends the block,
// within a total of limit bytes.
//
// If marker is set and a line equal to it arrives, reading stops there and
// sawMarker is true. If eofOK, EOF ends the block early without error;
// otherwise it is io.ErrUnexpectedEOF.
func readHead(br *bufio.Reader, limit int, marker string, eofOK bool) (lines []string, sawMarker bool, err error) {
	remaining := limit
	for {
		line, err := readLine(br, remaining)
		switch {
		case errors.Is(err, io.EOF):
			if eofOK {
				return lines, false, nil
			}
			return lines, false, io.ErrUnexpectedEOF
		case err != nil:
			return lines, false, err
		}
		if marker != "" && line == marker {
			return lines, true, nil
		}
		if line == "" {
			return lines, false, nil
		}
		lines = append(lines, line)
		remaining -= len(line) + 2
		if remaining <= 0 {
			return lines, false, errHeaderTooLarge
		}
	}
}

// writeHead writes lines with CRLF terminators, plus the closing blank line
// if terminate is set.
func writeHead(w *bufio.Writer, lines []string, terminate bool) error {
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if terminate {
		_, err := w.WriteString("\r\n")
		return err
	}
	return nil
}
