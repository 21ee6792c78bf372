package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent collects the fields of one log line. A nil *LogEvent is returned
// when the level is filtered out and every method is a no-op on it, so calls
// can always be chained.
type LogEvent struct {
	buf    *bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{
		buf:    bytes.NewBuffer(make([]byte, 0, 512)),
		logger: logger,
	}
}

// Reset clears the buffer for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	writeString(e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	writeString(e.buf, v)
	return e
}

// Strs adds a string slice field.
func (e *LogEvent) Strs(k string, vs []string) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		writeString(e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
	return e
}

func (e *LogEvent) Uint16(k string, v uint16) *LogEvent {
	return e.Uint64(k, uint64(v))
}

func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatUint(v, 10))
	return e
}

func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
	return e
}

// Err adds the "error" field. A nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Dur adds a duration in milliseconds.
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	if e == nil {
		return e
	}
	e.key(k)
	e.buf.WriteString(strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64))
	return e
}

// Time adds a timestamp with millisecond precision.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil || t == nil {
		return e
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(nil, "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Any adds a value formatted with %v.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return e
	}
	return e.Str(k, fmt.Sprint(v))
}

// Msg finishes the event and hands it to the logger's appenders.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	if msg != "" {
		e.Str("message", msg)
	}
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

const _hex = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' && c < utf8.RuneSelf {
			i++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString(`�`)
				i += size
				start = i
				continue
			}
			i += size
			continue
		}
		buf.WriteString(s[start:i])
		switch c {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(_hex[c>>4])
			buf.WriteByte(_hex[c&0xf])
		}
		i++
		start = i
	}
	buf.WriteString(s[start:])
	buf.WriteByte('"')
}
