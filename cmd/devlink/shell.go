package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bluetuith-org/api-devices/api/bluetooth"
	"github.com/bluetuith-org/api-devices/internal/serde"
	"github.com/bluetuith-org/api-devices/session"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

// Shell is the interactive command loop of one device session.
type Shell struct {
	session *session.Session
	log     *zap.Logger
	rl      *readline.Instance
}

// NewShell creates a shell for the session.
func NewShell(s *session.Session, log *zap.Logger) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.Identity().Key() + "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{session: s, log: log, rl: rl}, nil
}

// Run reads commands until the user quits, ctx ends or the session ends.
func (sh *Shell) Run(ctx context.Context) error {
	defer sh.rl.Close()

	go sh.printEvents(sh.rl.Stdout())
	go func() {
		select {
		case <-ctx.Done():
		case <-sh.session.Done():
			fmt.Fprintln(sh.rl.Stdout(), "Device session ended")
		}
		sh.rl.Close()
	}()

	sh.printHelp()

	for {
		line, err := sh.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}

			return nil
		}

		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}

		switch strings.ToLower(words[0]) {
		case "help", "?":
			sh.printHelp()

		case "state":
			fmt.Fprintln(sh.rl.Stdout(), sh.session.State())

		case "stats":
			sh.printStats()

		case "quit", "exit", "q":
			return nil

		default:
			sh.send(ctx, words)
		}
	}
}

func (sh *Shell) send(ctx context.Context, words []string) {
	out := sh.rl.Stdout()

	cmd, abort, err := ParseCommand(words)
	if err != nil {
		fmt.Fprintln(out, err)
		return
	}

	send := sh.session.Send
	if abort {
		send = sh.session.SendAbort
	}

	p, err := send(cmd)
	if err != nil {
		fmt.Fprintf(out, "%s: %v\n", cmd.Kind, err)
		return
	}

	go func() {
		if err := p.Wait(ctx); err != nil {
			fmt.Fprintf(out, "%s failed: %v\n", cmd.Kind, err)
			return
		}

		fmt.Fprintf(out, "%s done\n", cmd.Kind)
	}()
}

func (sh *Shell) printEvents(out io.Writer) {
	for ev := range sh.session.Events() {
		data, err := serde.MarshalJson(ev)
		if err != nil {
			sh.log.Warn("cannot render event", zap.Stringer("kind", ev.Kind), zap.Error(err))
			continue
		}

		fmt.Fprintf(out, "[%s] %s %s\n", ev.Time.Format(time.TimeOnly), ev.Kind, data)
	}
}

func (sh *Shell) printStats() {
	stats := sh.session.Stats()

	fmt.Fprintf(sh.rl.Stdout(), "executed=%d failed=%d flushed=%d dropped-events=%d decode-errors=%d\n",
		stats.Queue.Executed, stats.Queue.Failed, stats.Queue.Flushed,
		stats.DroppedEvents, stats.DecodeErrors,
	)
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.rl.Stdout(), `
Device commands:
  battery                     - Request the battery level
  time [RFC3339]              - Synchronise the device clock
  vibrate [intensity] [n]     - Start a vibration alert
  stop-vibrate                - Stop the vibration alert
  notify <id> <title> [body]  - Push a notification
  version                     - Request firmware information
  find [on|off]               - Start or stop the find-device alert
  measure start [interval]    - Start streaming measurements
  measure stop                - Stop streaming measurements
  height <mm>                 - Move the desk to a height
  stop                        - Stop desk motion
  light <r> <g> <b> [level]   - Set the light colour
  status                      - Request the device status

Shell commands:
  state                       - Show the connection state
  stats                       - Show session counters
  help                        - Show this help
  quit                        - Disconnect and exit`)
}

// ParseCommand converts shell words to a device command. Compensating
// commands are reported with abort set.
func ParseCommand(words []string) (bluetooth.Command, bool, error) {
	if len(words) == 0 {
		return bluetooth.Command{}, false, errUsage
	}

	name, args := strings.ToLower(words[0]), words[1:]

	switch name {
	case "battery":
		return bluetooth.NewCommand(bluetooth.CommandBatteryRequest), false, nil

	case "time":
		at := time.Now()
		if len(args) > 0 {
			t, err := time.Parse(time.RFC3339, args[0])
			if err != nil {
				return bluetooth.Command{}, false, fmt.Errorf("time: %w", err)
			}
			at = t
		}

		return bluetooth.NewCommand(bluetooth.CommandTimeSync, bluetooth.TimeSyncArgs{Time: at}), false, nil

	case "vibrate":
		nums, err := parseBytes(args, 100, 1)
		if err != nil {
			return bluetooth.Command{}, false, fmt.Errorf("vibrate: %w", err)
		}

		return bluetooth.NewCommand(bluetooth.CommandVibrate, bluetooth.VibrateArgs{Intensity: nums[0], Repeat: nums[1]}), false, nil

	case "stop-vibrate":
		return bluetooth.NewCommand(bluetooth.CommandStopVibrate), true, nil

	case "notify":
		if len(args) < 2 {
			return bluetooth.Command{}, false, fmt.Errorf("notify <id> <title> [body]: %w", errUsage)
		}

		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return bluetooth.Command{}, false, fmt.Errorf("notify: %w", err)
		}

		return bluetooth.NewCommand(bluetooth.CommandNotification, bluetooth.NotificationArgs{
			ID:    uint32(id),
			Title: args[1],
			Body:  strings.Join(args[2:], " "),
		}), false, nil

	case "version":
		return bluetooth.NewCommand(bluetooth.CommandVersionRequest), false, nil

	case "find":
		start := len(args) == 0 || args[0] != "off"
		return bluetooth.NewCommand(bluetooth.CommandFindDevice, bluetooth.FindDeviceArgs{Start: start}), false, nil

	case "measure":
		if len(args) == 0 {
			return bluetooth.Command{}, false, fmt.Errorf("measure start|stop: %w", errUsage)
		}

		switch args[0] {
		case "start":
			var interval time.Duration
			if len(args) > 1 {
				d, err := time.ParseDuration(args[1])
				if err != nil {
					return bluetooth.Command{}, false, fmt.Errorf("measure: %w", err)
				}
				interval = d
			}

			return bluetooth.NewCommand(bluetooth.CommandStartMeasurement, bluetooth.MeasurementArgs{Interval: interval}), false, nil

		case "stop":
			return bluetooth.NewCommand(bluetooth.CommandStopMeasurement), false, nil
		}

		return bluetooth.Command{}, false, fmt.Errorf("measure start|stop: %w", errUsage)

	case "height":
		if len(args) != 1 {
			return bluetooth.Command{}, false, fmt.Errorf("height <mm>: %w", errUsage)
		}

		mm, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return bluetooth.Command{}, false, fmt.Errorf("height: %w", err)
		}

		return bluetooth.NewCommand(bluetooth.CommandSetHeight, bluetooth.HeightArgs{Millimeters: uint16(mm)}), false, nil

	case "stop":
		return bluetooth.NewCommand(bluetooth.CommandStopMotion), true, nil

	case "light":
		if len(args) < 3 {
			return bluetooth.Command{}, false, fmt.Errorf("light <r> <g> <b> [level]: %w", errUsage)
		}

		nums, err := parseBytes(args, 0, 0, 0, 100)
		if err != nil {
			return bluetooth.Command{}, false, fmt.Errorf("light: %w", err)
		}

		return bluetooth.NewCommand(bluetooth.CommandSetLight, bluetooth.LightArgs{
			Red:        nums[0],
			Green:      nums[1],
			Blue:       nums[2],
			Brightness: nums[3],
		}), false, nil

	case "status":
		return bluetooth.NewCommand(bluetooth.CommandStatusRequest), false, nil
	}

	return bluetooth.Command{}, false, fmt.Errorf("unknown command %q (type 'help' for commands)", name)
}

// parseBytes parses up to len(defaults) byte arguments, keeping the
// defaults of missing ones.
func parseBytes(args []string, defaults ...uint8) ([]uint8, error) {
	if len(args) > len(defaults) {
		return nil, fmt.Errorf("too many arguments: %w", errUsage)
	}

	values := append([]uint8(nil), defaults...)
	for i, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 8)
		if err != nil {
			return nil, err
		}
		values[i] = uint8(n)
	}

	return values, nil
}
