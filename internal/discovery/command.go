package discovery

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/airvinyl/internal/process"
)

// lineParser turns one line of browser output into an event. ok is false
// for lines that carry nothing to apply.
type lineParser func(line string) (ev Event, ok bool, err error)

// commandBrowser runs a line-oriented browser subprocess.
type commandBrowser struct {
	name   string
	binary string
	args   []string
	header int
	parse  lineParser
	logger Logger
}

func (b *commandBrowser) Name() string { return b.name }

// Browse runs the subprocess and emits one event per parsed line. It
// returns when the process ends or ctx is cancelled; the process group is
// always reaped.
func (b *commandBrowser) Browse(ctx context.Context, events chan<- Event) error {
	mgr := process.NewManager(process.Config{
		Name:            b.name,
		Binary:          b.binary,
		Args:            b.args,
		Stdout:          true,
		GracefulTimeout: 2 * time.Second,
	})
	mgr.SetLogger(b.logger)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBrowserExited, err)
	}
	defer mgr.Stop()

	b.logger.Info("browser started", "browser", b.name, "pid", mgr.PID())

	scanner := bufio.NewScanner(mgr.Stdout())
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		if lineNo <= b.header {
			continue
		}

		ev, ok, err := b.parse(line)
		if err != nil {
			ev, ok = Event{Kind: KindMalformed, Raw: line, Err: err}, true
		}
		if !ok {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s output: %w", ErrBrowserExited, b.name, err)
	}

	<-mgr.Done()
	if err := mgr.LastError(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBrowserExited, b.name, err)
	}
	return nil
}

// lookupLine runs a lookup command and returns the first line after the
// header that match accepts. The command is stopped as soon as it is found.
func lookupLine(ctx context.Context, logger Logger, binary string, args []string, header int, match func(string) bool) (string, error) {
	mgr := process.NewManager(process.Config{
		Name:            binary,
		Binary:          binary,
		Args:            args,
		Stdout:          true,
		GracefulTimeout: time.Second,
	})
	mgr.SetLogger(logger)

	if err := mgr.Start(ctx); err != nil {
		return "", err
	}
	defer mgr.Stop()

	scanner := bufio.NewScanner(mgr.Stdout())
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= header {
			continue
		}
		if line := scanner.Text(); match(line) {
			return line, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s %v: no answer", binary, args)
}
