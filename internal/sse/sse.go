// Package sse parses Server-Sent Event streams, the wire format every
// backend connector's streaming response is framed in. Adapted from
// pkg/providerutils/streaming/sse.go's SSEParser/SSEEvent shape.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is a single parsed Server-Sent Event.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry int
}

// Parser reads Events off an io.Reader, one per blank-line-terminated
// block.
type Parser struct {
	scanner *bufio.Scanner
	err     error
}

// NewParser wraps r with a line-oriented SSE scanner. Default bufio
// buffer sizes are bumped since upstream data lines (tool-call argument
// fragments, etc.) can exceed bufio.Scanner's 64KiB default token size.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Parser{scanner: scanner}
}

// Next returns the next Event, or io.EOF once the stream is exhausted.
func (p *Parser) Next() (*Event, error) {
	if p.err != nil {
		return nil, p.err
	}

	event := &Event{}
	var dataLines []string

	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 || event.Event != "" {
				event.Data = strings.Join(dataLines, "\n")
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}

		field := line[:colonIdx]
		value := line[colonIdx+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}

		switch field {
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			event.ID = value
		case "retry":
			var retry int
			_, _ = fmt.Sscanf(value, "%d", &retry)
			event.Retry = retry
		}
	}

	if err := p.scanner.Err(); err != nil {
		p.err = err
		return nil, err
	}

	if len(dataLines) > 0 || event.Event != "" {
		event.Data = strings.Join(dataLines, "\n")
		return event, nil
	}

	p.err = io.EOF
	return nil, io.EOF
}

// IsDone reports whether event is the wire-level `[DONE]` sentinel.
func IsDone(event *Event) bool {
	return event.Data == "[DONE]" || event.Event == "done"
}
