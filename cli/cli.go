// Package cli implements the vpnd client commands. Every command talks to
// a running daemon through its management socket.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/vpnd/api"
	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/history"
	"github.com/yllada/vpnd/tunnel"
)

// Client is the daemon API used by the commands.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (api.Status, error)
	UpdateSettings(ctx context.Context, u api.SettingsUpdate) (api.SettingsUpdate, error)
	History(ctx context.Context, limit int) ([]history.Transition, error)
	Profiles(ctx context.Context) ([]api.Profile, error)
	AddProfile(ctx context.Context, req api.ProfileRequest) (api.Profile, error)
	RemoveProfile(ctx context.Context, ref string) error
	SetPassword(ctx context.Context, ref, password string) error
	Watch(ctx context.Context, fn func(tunnel.TransitionEvent)) error
}

// CLI runs client commands.
type CLI struct {
	client Client
	out    io.Writer
	in     io.Reader

	// readPassword prompts without echo.
	readPassword func(prompt string) (string, error)
	// watch runs the interactive status view.
	watch func(ctx context.Context, c Client) error
}

// New returns a CLI talking to the daemon at socketPath.
func New(socketPath string) *CLI {
	c := &CLI{client: api.NewClient(socketPath), out: os.Stdout, in: os.Stdin, watch: runWatch}
	c.readPassword = c.promptPassword
	return c
}

// Run executes the command in args and returns the process exit code.
func (c *CLI) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		PrintHelp(c.out)
		return 2
	}
	var err error
	switch args[0] {
	case "connect":
		err = c.Connect(ctx)
	case "disconnect":
		err = c.Disconnect(ctx)
	case "status":
		err = c.Status(ctx)
	case "set":
		err = c.Set(ctx, args[1:])
	case "history":
		err = c.History(ctx, args[1:])
	case "watch":
		err = c.watch(ctx, c.client)
	case "profile":
		err = c.Profile(ctx, args[1:])
	case "password":
		err = c.Password(ctx, args[1:])
	case "help", "-h", "--help":
		PrintHelp(c.out)
		return 0
	default:
		fmt.Fprintf(c.out, "unknown command %q\n\n", args[0])
		PrintHelp(c.out)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, common.ErrDaemonUnavailable) {
			fmt.Fprintln(os.Stderr, "Is the daemon running? Start it with: vpnd daemon")
		}
		return 1
	}
	return 0
}

// Connect asks the daemon to connect and waits for the outcome.
func (c *CLI) Connect(ctx context.Context) error {
	return c.command(ctx, c.client.Connect, tunnel.Connected, func(ev tunnel.TransitionEvent) (bool, error) {
		switch ev.State {
		case tunnel.Connecting:
			if ev.Attempt == 0 {
				fmt.Fprintln(c.out, "Connecting...")
			}
		case tunnel.Connected:
			fmt.Fprintf(c.out, "✓ Connected %s\n", ev.Detail())
			return true, nil
		case tunnel.Blocked:
			return true, fmt.Errorf("blocked: %s", ev.Detail())
		}
		return false, nil
	})
}

// Disconnect asks the daemon to disconnect and waits for it.
func (c *CLI) Disconnect(ctx context.Context) error {
	return c.command(ctx, c.client.Disconnect, tunnel.Disconnected, func(ev tunnel.TransitionEvent) (bool, error) {
		if ev.State == tunnel.Disconnected {
			fmt.Fprintln(c.out, "✓ Disconnected")
			return true, nil
		}
		return false, nil
	})
}

var errPending = errors.New("pending")

// command subscribes to transitions, sends the command once the current
// state is known and follows transitions until match reports done. If the
// machine is already in target the command is not sent.
func (c *CLI) command(ctx context.Context, send func(context.Context) error, target tunnel.StateKind, match func(tunnel.TransitionEvent) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	result := errPending
	first := true
	err := c.client.Watch(ctx, func(ev tunnel.TransitionEvent) {
		if result != errPending {
			return
		}
		if first {
			first = false
			if ev.State == target {
				fmt.Fprintf(c.out, "Already %s\n", target)
				result = nil
				cancel()
				return
			}
			if err := send(ctx); err != nil {
				result = err
				cancel()
			}
			return
		}
		if done, err := match(ev); done {
			result = err
			cancel()
		}
	})
	switch {
	case result != errPending:
		return result
	case err != nil:
		return err
	case ctx.Err() != nil:
		return errors.New("timed out waiting for the daemon")
	}
	return errors.New("daemon closed the event stream")
}

// Status prints the daemon status.
func (c *CLI) Status(ctx context.Context) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	state := "unknown"
	if st.State != nil {
		state = st.State.State.String()
		if d := st.State.Detail(); d != "" {
			state += " (" + d + ")"
		}
	}
	fmt.Fprintf(w, "State:\t%s\n", state)
	if st.State != nil && !st.State.At.IsZero() {
		fmt.Fprintf(w, "Since:\t%s (%s)\n", st.State.At.Format(time.RFC3339), formatDuration(time.Since(st.State.At)))
	}
	fmt.Fprintf(w, "Profile:\t%s\n", orDash(st.Profile))
	fmt.Fprintf(w, "DNS backend:\t%s\n", orDash(st.DNSBackend))
	if ch := st.LastBackendChange; ch != nil {
		fmt.Fprintf(w, "DNS backend changed:\t%s -> %s at %s\n", ch.Previous, ch.Current, ch.At.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Allow LAN:\t%s\n", onOff(st.Settings.AllowLAN))
	fmt.Fprintf(w, "Block when disconnected:\t%s\n", onOff(st.Settings.BlockWhenDisconnected))
	if st.Settings.IsOffline {
		fmt.Fprintf(w, "Network:\toffline\n")
	}
	return w.Flush()
}

// Set changes one setting: allow-lan, block-when-disconnected or profile.
func (c *CLI) Set(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: vpnd set allow-lan|block-when-disconnected on|off, or vpnd set profile NAME")
	}
	var u api.SettingsUpdate
	switch args[0] {
	case "allow-lan":
		v, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		u.AllowLAN = &v
	case "block-when-disconnected":
		v, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		u.BlockWhenDisconnected = &v
	case "profile":
		u.Profile = &args[1]
	default:
		return fmt.Errorf("unknown setting %q", args[0])
	}
	if _, err := c.client.UpdateSettings(ctx, u); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ %s set to %s\n", args[0], args[1])
	return nil
}

// History prints recent transitions.
func (c *CLI) History(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(c.out)
	limit := fs.Int("n", 20, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := c.client.History(ctx, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No history yet.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATE\tDETAIL\tSESSION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Format("2006-01-02 15:04:05"), e.State, orDash(e.Detail), orDash(shortID(e.Session)))
	}
	return w.Flush()
}

// Profile runs the profile subcommands: add, list, remove.
func (c *CLI) Profile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: vpnd profile add|list|remove")
	}
	switch args[0] {
	case "list":
		return c.listProfiles(ctx)
	case "add":
		fs := flag.NewFlagSet("profile add", flag.ContinueOnError)
		fs.SetOutput(c.out)
		username := fs.String("user", "", "username for auth-user-pass")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return errors.New("usage: vpnd profile add [-user NAME] NAME FILE.ovpn")
		}
		path, err := filepath.Abs(fs.Arg(1))
		if err != nil {
			return err
		}
		p, err := c.client.AddProfile(ctx, api.ProfileRequest{Name: fs.Arg(0), ConfigPath: path, Username: *username})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "✓ Added %s (%s, server %s/%s)\n", p.Name, shortID(p.ID), p.Endpoint, p.Protocol)
		return nil
	case "remove":
		if len(args) != 2 {
			return errors.New("usage: vpnd profile remove NAME")
		}
		if err := c.client.RemoveProfile(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "✓ Removed %s\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown profile command %q", args[0])
	}
}

func (c *CLI) listProfiles(ctx context.Context) error {
	profiles, err := c.client.Profiles(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Fprintln(c.out, "No VPN profiles configured.")
		fmt.Fprintln(c.out, "Add one with: vpnd profile add NAME FILE.ovpn")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSERVER\tUSER\tPASSWORD\tSELECTED")
	for _, p := range profiles {
		selected := ""
		if p.Selected {
			selected = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			shortID(p.ID), p.Name, p.Endpoint, p.Protocol, orDash(p.Username), yesNo(p.HasPassword), selected)
	}
	return w.Flush()
}

// Password stores the password for a profile, read without echo.
func (c *CLI) Password(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: vpnd password PROFILE")
	}
	pw, err := c.readPassword(fmt.Sprintf("Password for %s: ", args[0]))
	if err != nil {
		return err
	}
	if err := c.client.SetPassword(ctx, args[0], pw); err != nil {
		return err
	}
	if pw == "" {
		fmt.Fprintf(c.out, "✓ Password for %s removed\n", args[0])
	} else {
		fmt.Fprintf(c.out, "✓ Password for %s saved\n", args[0])
	}
	return nil
}

func (c *CLI) promptPassword(prompt string) (string, error) {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.out, prompt)
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.out)
		return string(pw), err
	}
	// Piped input: the first line is the password.
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints usage.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `vpnd - VPN client daemon

Usage:
  vpnd daemon [-config FILE] [-verbose]   Run the daemon (as root)
  vpnd connect                            Connect with the selected profile
  vpnd disconnect                         Disconnect
  vpnd status                             Show state and settings
  vpnd set allow-lan on|off
  vpnd set block-when-disconnected on|off
  vpnd set profile NAME                   Select the profile to connect with
  vpnd history [-n N]                     Show recent transitions
  vpnd watch                              Follow the tunnel state live
  vpnd profile add [-user NAME] NAME FILE.ovpn
  vpnd profile list
  vpnd profile remove NAME
  vpnd password PROFILE                   Store the profile password

Global options:
  -socket PATH   Daemon socket (default `+common.DefaultSocketPath+`)
  -version       Show version and exit

Environment:
  VPND_DNS_MODULE   Force a DNS backend: systemd, network-manager,
                    resolvconf or static-file`)
}
