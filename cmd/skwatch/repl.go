package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"

	signalk "github.com/dratasich/signalk-go-client-sdk"
	"github.com/dratasich/signalk-go-client-sdk/connection"
	"github.com/dratasich/signalk-go-client-sdk/discovery"
)

// repl is the interactive command interface
type repl struct {
	client *signalk.Client
	rl     *readline.Instance

	watchCancel context.CancelFunc
	notesCancel func()
}

func newREPL(client *signalk.Client) (*repl, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "signalk> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	r := &repl{client: client, rl: rl}
	client.OnStateChange(func(old, cur connection.Status) {
		fmt.Fprintf(r.rl.Stdout(), "connection: %s -> %s\n", old, cur)
	})
	return r, nil
}

func (r *repl) Stdout() io.Writer {
	return r.rl.Stdout()
}

func (r *repl) Stderr() io.Writer {
	return r.rl.Stderr()
}

// Run reads commands until quit, EOF or ctx is done
func (r *repl) Run(ctx context.Context, cancel context.CancelFunc) {
	defer r.rl.Close()
	defer r.stopWatch()
	defer r.stopNotifications()

	r.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := r.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(r.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			r.printHelp()
		case "watch", "w":
			r.cmdWatch(ctx, args)
		case "get", "g":
			r.cmdGet(args)
		case "put", "p":
			r.cmdPut(ctx, args)
		case "state", "s":
			r.cmdState()
		case "notifications", "n":
			r.cmdNotifications(ctx, args)
		case "control":
			r.cmdControl(ctx, args)
		case "ais":
			r.cmdAIS(ctx)
		case "vessels", "v":
			r.cmdVessels()
		case "discover":
			r.cmdDiscover(ctx)
		case "connect":
			if err := r.client.Connect(ctx); err != nil {
				fmt.Fprintf(r.rl.Stdout(), "Connect failed: %s\n", err)
			}
		case "disconnect":
			r.stopWatch()
			r.client.Disconnect()
		case "quit", "exit", "q":
			fmt.Fprintln(r.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(r.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.rl.Stdout(), `
Signal K Commands:
  Data:
    watch <path>...         - Subscribe to paths and print them every second (no args: stop)
    get <path> [source]     - Show the cached value of a path
    put <path> <value> [unit] - Write a value (display units unless unit given)
    vessels                 - List other vessels in the cache

  Channels:
    notifications on|off    - Enable or disable notifications
    control <path>...       - Open the control channel for actuator paths
    ais                     - Load and subscribe to other vessels

  Connection:
    state                   - Show the connection state
    connect / disconnect    - Connect or disconnect
    discover                - Browse for servers via mDNS

    help                    - Show this help
    quit                    - Exit`)
}

func (r *repl) cmdWatch(ctx context.Context, args []string) {
	r.stopWatch()
	if _, err := r.client.SetRequiredPaths(ctx, args); err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Subscribe failed: %s\n", err)
		return
	}
	if len(args) == 0 {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				for _, path := range args {
					r.printValue(path, "")
				}
			}
		}
	}()
}

func (r *repl) stopWatch() {
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
}

func (r *repl) cmdGet(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(r.rl.Stdout(), "Usage: get <path> [source]")
		return
	}
	source := ""
	if len(args) > 1 {
		source = args[1]
	}
	r.printValue(args[0], source)
}

func (r *repl) printValue(path, source string) {
	p, ok := r.client.GetValue(path, source)
	if !ok {
		fmt.Fprintf(r.rl.Stdout(), "%-40s -\n", path)
		return
	}
	formatted := r.client.GetFormattedValue(path)
	if source != "" {
		formatted = p.Value.String()
	}
	age := "unknown"
	if !p.Timestamp.IsZero() {
		age = humanize.Time(p.Timestamp)
	}
	fmt.Fprintf(r.rl.Stdout(), "%-40s %-16s %s (%s)\n", path, formatted, p.Source, age)
}

func (r *repl) cmdPut(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(r.rl.Stdout(), "Usage: put <path> <value> [unit]")
		return
	}
	var value any = args[1]
	if f, err := strconv.ParseFloat(args[1], 64); err == nil {
		value = f
	} else if b, err := strconv.ParseBool(args[1]); err == nil {
		value = b
	}
	unit := ""
	if len(args) > 2 {
		unit = args[2]
	}
	if err := r.client.SendWrite(ctx, args[0], value, unit); err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Write failed: %s\n", err)
		return
	}
	fmt.Fprintln(r.rl.Stdout(), "OK")
}

func (r *repl) cmdState() {
	s := r.client.ConnectionState()
	fmt.Fprintf(r.rl.Stdout(), "State:  %s\n", s)
	if s.Err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Error:  %s\n", s.Err)
	}
	fmt.Fprintf(r.rl.Stdout(), "Cached: %s values\n", humanize.Comma(int64(len(r.client.Snapshot()))))
}

func (r *repl) cmdNotifications(ctx context.Context, args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(r.rl.Stdout(), "Usage: notifications on|off")
		return
	}
	if args[0] == "off" {
		r.stopNotifications()
		r.client.DisableNotifications()
		return
	}
	if r.notesCancel != nil {
		return
	}
	notes, cancel := r.client.Notifications(0)
	r.notesCancel = cancel
	go func() {
		for n := range notes {
			fmt.Fprintf(r.rl.Stdout(), "[%s] %s: %s\n", strings.ToUpper(n.State), n.Key, n.Message)
		}
	}()
	if err := r.client.EnableNotifications(ctx); err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Notifications unavailable: %s\n", err)
	}
}

func (r *repl) stopNotifications() {
	if r.notesCancel != nil {
		r.notesCancel()
		r.notesCancel = nil
	}
}

func (r *repl) cmdControl(ctx context.Context, args []string) {
	if err := r.client.EnableControl(ctx, args); err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Control channel unavailable: %s\n", err)
	}
}

func (r *repl) cmdAIS(ctx context.Context) {
	started, err := r.client.StartAIS(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(r.rl.Stdout(), "AIS: %s\n", err)
	case started:
		fmt.Fprintln(r.rl.Stdout(), "AIS started")
	default:
		fmt.Fprintln(r.rl.Stdout(), "AIS enabled")
	}
}

func (r *repl) cmdVessels() {
	vessels := r.client.Vessels()
	sort.Strings(vessels)
	snapshot := r.client.Snapshot()
	for _, v := range vessels {
		name := "-"
		if p, ok := snapshot[v+".name"]; ok {
			name = p.Value.String()
		}
		fmt.Fprintf(r.rl.Stdout(), "%-50s %s\n", v, name)
	}
	fmt.Fprintf(r.rl.Stdout(), "%s vessels\n", humanize.Comma(int64(len(vessels))))
}

func (r *repl) cmdDiscover(ctx context.Context) {
	fmt.Fprintln(r.rl.Stdout(), "Browsing for 3s...")
	servers, err := discovery.Lookup(ctx, discovery.Config{}, 3*time.Second)
	if err != nil {
		fmt.Fprintf(r.rl.Stdout(), "Discovery failed: %s\n", err)
		return
	}
	for _, s := range servers {
		fmt.Fprintf(r.rl.Stdout(), "%-30s %s\n", s.Instance, s.StreamURL())
	}
	if len(servers) == 0 {
		fmt.Fprintln(r.rl.Stdout(), "No servers found")
	}
}
