package smtp

import (
	"context"
	"log/slog"
	"strings"
)

// ConnectionLogger exposes the per-connection logger to command handlers.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command is one SMTP verb.
type Command interface {
	// Name returns the command verb, e.g. "MAIL", "RCPT", "DATA".
	Name() string

	// Execute processes the command and returns the reply to send.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response is an SMTP reply: a three-digit code plus one or more text
// lines, the last of which is the terminating line.
type Response struct {
	Code  int
	Lines []string
}

// String formats the response per RFC 5321 (continuation lines use
// "CODE-text", the final line uses "CODE text").
func (r Response) String() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	var sb strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		sb.WriteString(itoa(r.Code))
		sb.WriteString(sep)
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var commandRegistry = make(map[string]Command)

// RegisterCommand registers cmd under its upper-cased verb.
func RegisterCommand(cmd Command) {
	commandRegistry[strings.ToUpper(cmd.Name())] = cmd
}

// GetCommand looks up a registered command by verb.
func GetCommand(name string) (Command, bool) {
	cmd, ok := commandRegistry[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand splits a command line into its verb and arguments.
func ParseCommand(line string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
