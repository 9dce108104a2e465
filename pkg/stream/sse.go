package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one parsed server-sent event.
type Frame struct {
	Event string
	Data  string
}

// readFrames parses newline-delimited SSE frames ("event: name" and
// repeated "data: line" fields, blank line terminates) and invokes
// handle for each complete frame. Comment lines (leading colon) and
// unknown fields are skipped. Returns the reader error, io.EOF included.
func readFrames(r io.Reader, handle func(Frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data []string

	flush := func() {
		if len(data) > 0 {
			handle(Frame{Event: event, Data: strings.Join(data, "\n")})
		}
		event = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
