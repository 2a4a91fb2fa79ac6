// Package esl implements the slice of the FreeSWITCH Event Socket protocol
// this service needs: the outbound socket server that receives per-call event
// streams, the inbound client used for originate/bridge and other commands
// the outbound socket cannot perform, and the command adapters that pick
// between the two.
package esl

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event names this service subscribes to or inspects.
const (
	EventChannelAnswer         = "CHANNEL_ANSWER"
	EventChannelHangup         = "CHANNEL_HANGUP"
	EventChannelHangupComplete = "CHANNEL_HANGUP_COMPLETE"
	EventChannelProgress       = "CHANNEL_PROGRESS"
	EventChannelProgressMedia  = "CHANNEL_PROGRESS_MEDIA"
	EventDTMF                  = "DTMF"
	EventBackgroundJob         = "BACKGROUND_JOB"
	EventCustom                = "CUSTOM"
)

// bodyKey stores a message body inside the header map, safely out of the
// header namespace.
const bodyKey = "_body"

// Event is one Event Socket message: the parsed header block plus an optional
// body. Replies to commands use the same shape.
type Event map[string]string

// Get returns a header value. Lookup is exact first, then case-insensitive,
// since FreeSWITCH spells some variables differently across event types.
func (e Event) Get(key string) string {
	if v, ok := e[key]; ok {
		return v
	}
	for k, v := range e {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Name returns the event name. CUSTOM events answer with their subclass so
// callers can switch on one string.
func (e Event) Name() string {
	name := e.Get("Event-Name")
	if name == EventCustom {
		if sub := e.Get("Event-Subclass"); sub != "" {
			return sub
		}
	}
	return name
}

// Variable returns a channel variable, accepting both the bare name and the
// variable_ prefixed form in any casing.
func (e Event) Variable(name string) string {
	if v := e.Get("variable_" + name); v != "" {
		return v
	}
	return e.Get(name)
}

// UniqueID returns the channel UUID the event belongs to.
func (e Event) UniqueID() string {
	if id := e.Get("Unique-ID"); id != "" {
		return id
	}
	return e.Get("Caller-Unique-ID")
}

// Body returns the message body, if any.
func (e Event) Body() string { return e[bodyKey] }

// ContentLength returns the advertised body length in bytes.
func (e Event) ContentLength() int {
	n, _ := strconv.Atoi(e.Get("Content-Length"))
	return n
}

// ContentType returns the message content type.
func (e Event) ContentType() string { return e.Get("Content-Type") }

// ReplyText returns the Reply-Text header of a command reply.
func (e Event) ReplyText() string { return e.Get("Reply-Text") }

// Timestamp returns the event time from Event-Date-Timestamp (microseconds
// since epoch), or the zero time when absent.
func (e Event) Timestamp() time.Time {
	usec, err := strconv.ParseInt(e.Get("Event-Date-Timestamp"), 10, 64)
	if err != nil || usec == 0 {
		return time.Time{}
	}
	return time.UnixMicro(usec)
}

// HangupCause returns the hangup cause of a CHANNEL_HANGUP event.
func (e Event) HangupCause() string { return e.Get("Hangup-Cause") }

// DTMFDigit returns the digit of a DTMF event.
func (e Event) DTMFDigit() string { return e.Get("DTMF-Digit") }

// LogValue renders the identifying headers as a structured group so event
// logging stays cheap and greppable.
func (e Event) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4)
	if name := e.Name(); name != "" {
		attrs = append(attrs, slog.String("name", name))
	}
	if id := e.UniqueID(); id != "" {
		attrs = append(attrs, slog.String("unique_id", id))
	}
	if cause := e.HangupCause(); cause != "" {
		attrs = append(attrs, slog.String("cause", cause))
	}
	if !e.Timestamp().IsZero() {
		attrs = append(attrs, slog.Time("at", e.Timestamp()))
	}
	return slog.GroupValue(attrs...)
}

// unescapeHeader decodes the URL escaping FreeSWITCH applies to header values
// containing reserved characters. Plain values pass through untouched.
func unescapeHeader(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	u, err := url.PathUnescape(v)
	if err != nil {
		return v
	}
	return u
}
