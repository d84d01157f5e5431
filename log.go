package gatherly

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Structured log field names shared by every component.
const (
	FieldComponent  = "component"
	FieldState      = "state"
	FieldAttempt    = "attempt"
	FieldDelay      = "delay"
	FieldRoomID     = "room_id"
	FieldMemberID   = "member_id"
	FieldMutationID = "mutation_id"
	FieldEndpoint   = "endpoint"
	FieldMethod     = "method"
	FieldStatus     = "status"
	FieldTempID     = "temp_id"
	FieldFrameType  = "frame_type"
	FieldEvent      = "event"
)

// NewLogger builds a zerolog.Logger at the given level. Pretty output uses the
// console writer and is meant for the CLI.
func NewLogger(level string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func componentLogger(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}
