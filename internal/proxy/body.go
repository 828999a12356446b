package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/die-net/relayd/internal/conn"
)

var errMalformedChunk = errors.New("malformed chunk size")

// copyN copies n bytes from src to dst, or everything until EOF if n is
// negative. Errors are tagged with the side that failed; a source that ends
// before n bytes yields io.ErrUnexpectedEOF.
func copyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := conn.Buffers.Get()
	defer conn.Buffers.Put(buf)

	var written int64
	for n < 0 || written < n {
		chunk := buf
		if n >= 0 && int64(len(chunk)) > n-written {
			chunk = chunk[:n-written]
		}
		nr, rerr := src.Read(chunk)
		if nr > 0 {
			nw, werr := dst.Write(chunk[:nr])
			written += int64(nw)
			if werr != nil {
				return written, dstErr(werr)
			}
			if nw != nr {
				return written, dstErr(io.ErrShortWrite)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if n < 0 {
					return written, nil
				}
				return written, srcErr(io.ErrUnexpectedEOF)
			}
			return written, srcErr(rerr)
		}
	}
	return written, nil
}

// copyChunked relays a chunked body verbatim, chunk headers, trailers and
// all, and returns the number of payload bytes.
func copyChunked(dst io.Writer, src *bufio.Reader, maxLine int) (int64, error) {
	var payload int64
	for {
		line, err := readRawLine(src, maxLine)
		if err != nil {
			return payload, srcErr(err)
		}
		if _, err := dst.Write(line); err != nil {
			return payload, dstErr(err)
		}
		size, err := parseChunkSize(trimEOL(line))
		if err != nil {
			return payload, srcErr(err)
		}
		if size == 0 {
			break
		}

		n, err := copyN(dst, src, size)
		payload += n
		if err != nil {
			return payload, err
		}
		crlf, err := readRawLine(src, maxLine)
		if err != nil {
			return payload, srcErr(err)
		}
		if len(trimEOL(crlf)) != 0 {
			return payload, srcErr(fmt.Errorf("%w: missing CRLF after chunk", errMalformedChunk))
		}
		if _, err := dst.Write(crlf); err != nil {
			return payload, dstErr(err)
		}
	}

	// Trailers, then the blank line.
	for {
		line, err := readRawLine(src, maxLine)
		if err != nil {
			return payload, srcErr(err)
		}
		if _, err := dst.Write(line); err != nil {
			return payload, dstErr(err)
		}
		if len(trimEOL(line)) == 0 {
			return payload, nil
		}
	}
}

// readRawLine returns one line including its terminator. EOF before the
// terminator is io.ErrUnexpectedEOF.
func readRawLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if limit > 0 && len(line)+len(frag) > limit {
			return nil, errHeaderTooLarge
		}
		line = append(line, frag...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func parseChunkSize(line []byte) (int64, error) {
	s, _, _ := strings.Cut(string(line), ";")
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", errMalformedChunk, line)
	}
	return n, nil
}

// copyUntilMarker relays lines until one equal to marker, which is
// consumed but not written. It returns sawMarker=false if the source ended
// first. Lines too long to fit in src's buffer are streamed through and
// never match.
func copyUntilMarker(dst io.Writer, src *bufio.Reader, marker string) (n int64, sawMarker bool, err error) {
	lineStart := true
	for {
		frag, rerr := src.ReadSlice('\n')
		if lineStart && len(frag) > 0 && (rerr == nil || errors.Is(rerr, io.EOF)) && bytes.Equal(trimEOL(frag), []byte(marker)) {
			return n, true, nil
		}
		if len(frag) > 0 {
			nw, werr := dst.Write(frag)
			n += int64(nw)
			if werr != nil {
				return n, false, dstErr(werr)
			}
		}
		switch {
		case rerr == nil:
			lineStart = true
		case errors.Is(rerr, bufio.ErrBufferFull):
			lineStart = false
		case errors.Is(rerr, io.EOF):
			return n, false, nil
		default:
			return n, false, srcErr(rerr)
		}
	}
}
