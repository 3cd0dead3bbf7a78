package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageBytes bounds one inbound message in either framing.
const maxMessageBytes = 4 << 20

var errMessageTooLarge = errors.New("mcp message exceeds size limit")

type framing int

const (
	framingHeader framing = iota
	framingJSONLine
)

func (f framing) String() string {
	if f == framingJSONLine {
		return "jsonline"
	}
	return "framed"
}

// readMessage reads either a Content-Length framed message or one JSON value
// spread over one or more lines, and reports which framing was seen.
func readMessage(r *bufio.Reader) ([]byte, framing, error) {
	line, err := r.ReadString('\n')
	for err == nil && strings.TrimSpace(line) == "" {
		line, err = r.ReadString('\n')
	}
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return nil, framingHeader, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return nil, framingHeader, err
		}
	}

	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		payload, jsonErr := readJSONLines(r, line)
		return payload, framingJSONLine, jsonErr
	}
	if err != nil {
		return nil, framingHeader, io.ErrUnexpectedEOF
	}
	payload, err := readFramed(r, line)
	return payload, framingHeader, err
}

func readJSONLines(r *bufio.Reader, first string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(first)
	for {
		if candidate := bytes.TrimSpace(buf.Bytes()); json.Valid(candidate) {
			return candidate, nil
		}
		if buf.Len() > maxMessageBytes {
			return nil, errMessageTooLarge
		}
		line, err := r.ReadString('\n')
		buf.WriteString(line)
		if err != nil {
			if candidate := bytes.TrimSpace(buf.Bytes()); json.Valid(candidate) {
				return candidate, nil
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func readFramed(r *bufio.Reader, line string) ([]byte, error) {
	contentLength := -1
	for {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if key, value, ok := strings.Cut(trimmed, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || parsed < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			contentLength = parsed
		}

		var err error
		if line, err = r.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	if contentLength < 0 {
		return nil, errors.New("missing Content-Length header")
	}
	if contentLength > maxMessageBytes {
		return nil, errMessageTooLarge
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeMessage(w *bufio.Writer, mode framing, payload []byte) error {
	if mode == framingHeader {
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if mode == framingJSONLine {
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
