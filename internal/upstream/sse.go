package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/samber/ro"
)

// SSEEvent is a parsed Server-Sent Event from a Gemini stream.
type SSEEvent struct {
	Event string
	Data  []byte
}

// Bytes returns the event in SSE wire format.
func (e SSEEvent) Bytes() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Event)
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// StreamSSE parses an SSE body into an Observable of events. The observable
// completes on EOF and errors on any other read failure. The caller closes
// the body after the observable terminates.
func StreamSSE(body io.Reader) ro.Observable[SSEEvent] {
	return ro.NewObservable(func(observer ro.Observer[SSEEvent]) ro.Teardown {
		parseSSE(bufio.NewReader(body), observer)
		return nil
	})
}

func parseSSE(r *bufio.Reader, observer ro.Observer[SSEEvent]) {
	var (
		event     SSEEvent
		dataLines [][]byte
	)

	emit := func() {
		if len(dataLines) == 0 {
			return
		}
		event.Data = bytes.Join(dataLines, []byte("\n"))
		observer.Next(event)
		event = SSEEvent{}
		dataLines = nil
	}

	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		switch {
		case len(line) == 0:
			emit()
		case line[0] == ':':
			// comment
		default:
			field, value := splitField(line)
			switch string(field) {
			case "event":
				event.Event = string(value)
			case "data":
				dataLines = append(dataLines, value)
			}
		}

		if err != nil {
			emit()
			if errors.Is(err, io.EOF) {
				observer.Complete()
			} else {
				observer.Error(err)
			}
			return
		}
	}
}

func splitField(line []byte) (field, value []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx == -1 {
		return line, nil
	}
	field, value = line[:idx], line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}
