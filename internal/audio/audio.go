// Package audio turns `pactl subscribe` output into activity events.
package audio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"

	"go.olrik.dev/idlesync/internal/presence"
)

// DefaultCommand streams PulseAudio/PipeWire server events
var DefaultCommand = []string{"pactl", "subscribe"}

var eventLine = regexp.MustCompile(`^Event '([a-z]+)' on ([a-z-]+)(?: #(\d+))?$`)

// Event is one line of `pactl subscribe` output.
type Event struct {
	Kind     string // new, change, remove
	Facility string // sink-input, sink, client, ...
	Index    int
}

// Qualifies reports whether a new playback stream appeared.
func (e Event) Qualifies() bool {
	return e.Kind == "new" && e.Facility == "sink-input"
}

// ParseEvent parses a pactl subscribe line
func ParseEvent(line string) (Event, bool) {
	m := eventLine.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	e := Event{Kind: m[1], Facility: m[2], Index: -1}
	if m[3] != "" {
		e.Index, _ = strconv.Atoi(m[3])
	}
	return e, true
}

// Source runs the subscribe command and implements presence.ActivitySource.
type Source struct {
	command []string
	logger  *slog.Logger
}

func NewSource(command []string, logger *slog.Logger) *Source {
	if len(command) == 0 {
		command = DefaultCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{command: command, logger: logger}
}

// Subscribe starts the command. The channel closes when the command exits
// or ctx is cancelled.
func (s *Source) Subscribe(ctx context.Context) (<-chan presence.ActivityEvent, error) {
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s: %w", s.command[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.command[0], err)
	}
	s.logger.Debug("Audio event stream started", "command", s.command, "pid", cmd.Process.Pid)

	events := make(chan presence.ActivityEvent)
	go func() {
		defer close(events)
		s.scan(ctx, stdout, events)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.logger.Warn("Audio event stream exited", "command", s.command, "error", err)
		}
	}()
	return events, nil
}

func (s *Source) scan(ctx context.Context, r io.Reader, events chan<- presence.ActivityEvent) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e, ok := ParseEvent(scanner.Text())
		if !ok {
			continue
		}
		select {
		case events <- e:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("Reading audio events failed", "error", err)
	}
}
