package esl

import (
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// Wire content types the engine sends on the event socket.
const (
	contentAuthRequest      = "auth/request"
	contentCommandReply     = "command/reply"
	contentAPIResponse      = "api/response"
	contentEventPlain       = "text/event-plain"
	contentDisconnectNotice = "text/disconnect-notice"
)

// Event names the gateway subscribes to.
const (
	EventChannelCreate = "CHANNEL_CREATE"
	EventChannelAnswer = "CHANNEL_ANSWER"
	EventChannelHangup = "CHANNEL_HANGUP"
	EventDTMF          = "DTMF"
)

// frame is one MIME-style message off the socket: a header block, a blank
// line, and an optional Content-Length body.
type frame struct {
	headers textproto.MIMEHeader
	body    []byte
}

func (f *frame) contentType() string {
	return f.headers.Get("Content-Type")
}

// readFrame blocks until a complete frame is available.
func readFrame(r *textproto.Reader) (*frame, error) {
	headers, err := r.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	f := &frame{headers: headers}

	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("bad content length %q: %w", cl, err)
		}
		f.body = make([]byte, n)
		if _, err := io.ReadFull(r.R, f.body); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Reply is the engine's answer to one command.
type Reply struct {
	OK   bool
	Text string
	Body string
}

func replyFromFrame(f *frame) Reply {
	switch f.contentType() {
	case contentCommandReply:
		text := f.headers.Get("Reply-Text")
		return Reply{OK: strings.HasPrefix(text, "+OK"), Text: text, Body: string(f.body)}
	case contentAPIResponse:
		body := string(f.body)
		return Reply{OK: !strings.HasPrefix(body, "-ERR"), Text: firstLine(body), Body: body}
	default:
		return Reply{Text: f.contentType(), Body: string(f.body)}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}

// Event is a decoded engine event. Header values arrive URL-encoded in the
// plain format and are stored decoded.
type Event struct {
	Name    string
	UUID    string
	Headers map[string]string
	Body    string
}

// Get returns a header value, empty when absent.
func (e Event) Get(key string) string {
	return e.Headers[key]
}

// parseEventBody decodes the body of a text/event-plain frame. The body is
// itself a header block: one "Key: value" per line, values URL-encoded,
// optionally followed by a Content-Length payload already included in raw.
func parseEventBody(raw []byte) (Event, error) {
	ev := Event{Headers: make(map[string]string)}

	rest := string(raw)
	for len(rest) > 0 {
		var line string
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line, rest = strings.TrimRight(rest[:i], "\r"), rest[i+1:]
		} else {
			line, rest = rest, ""
		}
		if line == "" {
			// Blank line ends the headers; anything after is the payload.
			ev.Body = rest
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		ev.Headers[key] = value
	}

	ev.Name = ev.Headers["Event-Name"]
	ev.UUID = ev.Headers["Unique-ID"]
	if ev.Name == "" {
		return ev, fmt.Errorf("event without Event-Name header")
	}
	return ev, nil
}

// writeCommand frames cmd for the socket. Commands are plain text terminated
// by a double newline.
func writeCommand(w io.Writer, cmd string) error {
	_, err := io.WriteString(w, cmd+"\n\n")
	return err
}
