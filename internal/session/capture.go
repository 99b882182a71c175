package session

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// Timing holds the constants of the capture heuristic.
type Timing struct {
	// Warmup is slept after the command is written, before polling starts.
	Warmup time.Duration
	// Poll is the interval between buffer drains.
	Poll time.Duration
	// Silence is how long the buffer must stay empty after some output
	// before the command is considered finished.
	Silence time.Duration
}

// DefaultTiming reproduces the agent's historical constants.
var DefaultTiming = Timing{
	Warmup:  100 * time.Millisecond,
	Poll:    50 * time.Millisecond,
	Silence: 300 * time.Millisecond,
}

// Capture is the result of running one command.
type Capture struct {
	Output   string
	RawBytes int
	// TimedOut is set when the hard timeout ended the capture rather than
	// output silence.
	TimedOut bool
	Elapsed  time.Duration
}

// Exec writes command to the shell and collects its output.
//
// Completion is inferred from output timing only: the capture stops once some
// output has been seen and the buffer then stays empty for Timing.Silence, or
// unconditionally once timeout has elapsed since the write. The shell's state
// is never consulted, so a command that pauses longer than the silence
// threshold is cut short.
//
// Concurrent Exec calls on the same session are not serialized. Each call
// only holds the input or output lock for a single write or drain, so output
// of overlapping calls interleaves and may be attributed to either call.
func (s *Session) Exec(ctx context.Context, command string, timeout time.Duration) (Capture, error) {
	// Whatever is buffered belongs to earlier commands.
	s.Drain()

	if err := s.WriteInput([]byte(normalizeCommand(command))); err != nil {
		return Capture{}, fmt.Errorf("write command: %w", err)
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var (
		raw      bytes.Buffer
		seen     bool
		lastData time.Time
		timedOut bool
	)
	result := func() Capture {
		return Capture{
			Output:   CleanOutput(raw.Bytes(), command),
			RawBytes: raw.Len(),
			TimedOut: timedOut,
			Elapsed:  time.Since(start),
		}
	}

	if err := sleepContext(ctx, s.timing.Warmup); err != nil {
		return result(), err
	}

	for {
		if chunk := s.Drain(); len(chunk) > 0 {
			raw.Write(chunk)
			lastData = time.Now()
			seen = true
		}

		now := time.Now()
		if now.Sub(start) > timeout {
			timedOut = true
			break
		}
		if seen && now.Sub(lastData) > s.timing.Silence {
			break
		}

		wait := s.timing.Poll
		if remaining := deadline.Sub(now); remaining < wait {
			// Wake just past the deadline so the cutoff is not overshot by
			// a whole poll interval.
			wait = remaining + time.Millisecond
		}
		if err := sleepContext(ctx, wait); err != nil {
			return result(), err
		}
	}

	c := result()
	s.log.Debug().
		Int("raw_bytes", c.RawBytes).
		Bool("timed_out", c.TimedOut).
		Dur("elapsed", c.Elapsed).
		Msg("capture finished")
	return c, nil
}

// normalizeCommand makes command end in exactly one newline.
func normalizeCommand(command string) string {
	return strings.TrimRight(command, "\r\n") + "\n"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
