package vpn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/tunnel"
)

// PasswordFunc returns the stored password for a profile ID.
type PasswordFunc func(profileID string) (string, error)

// OpenVPNConfig configures an OpenVPN launcher.
type OpenVPNConfig struct {
	// Binary defaults to "openvpn".
	Binary string
	// RuntimeDir holds the short-lived credentials files.
	RuntimeDir   string
	Profiles     *ProfileStore
	Profile      string
	Password     PasswordFunc
	CloseTimeout time.Duration
	Logger       common.Logger
}

// OpenVPN launches the openvpn binary as the tunnel process.
type OpenVPN struct {
	binary       string
	runtimeDir   string
	profiles     *ProfileStore
	profile      atomic.Pointer[string]
	password     PasswordFunc
	closeTimeout time.Duration
	log          common.Logger

	// discover finds the tunnel addresses once openvpn reports it is up.
	discover func(iface string) (tunnel.Metadata, error)
}

// NewOpenVPN returns a launcher for cfg.
func NewOpenVPN(cfg OpenVPNConfig) *OpenVPN {
	if cfg.Binary == "" {
		cfg.Binary = "openvpn"
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), common.ProductName)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = common.TunnelCloseTimeout
	}
	o := &OpenVPN{
		binary:       cfg.Binary,
		runtimeDir:   cfg.RuntimeDir,
		profiles:     cfg.Profiles,
		password:     cfg.Password,
		closeTimeout: cfg.CloseTimeout,
		log:          common.OrDiscard(cfg.Logger),
		discover:     discoverTunnel,
	}
	o.SelectProfile(cfg.Profile)
	return o
}

// SelectProfile sets the profile used by later launches.
func (o *OpenVPN) SelectProfile(name string) {
	o.profile.Store(&name)
}

// SelectedProfile returns the profile used by later launches.
func (o *OpenVPN) SelectedProfile() string {
	return *o.profile.Load()
}

// Parameters resolves the selected profile. Every attempt uses the endpoint
// resolved when the profile was imported.
func (o *OpenVPN) Parameters(attempt uint32) (tunnel.Parameters, error) {
	name := o.SelectedProfile()
	if name == "" || o.profiles == nil {
		return tunnel.Parameters{}, fmt.Errorf("%w: %w", tunnel.ErrNoTunnelParameters, common.ErrNoProfile)
	}
	p, err := o.profiles.Get(name)
	if err != nil {
		return tunnel.Parameters{}, fmt.Errorf("%w: %w", tunnel.ErrNoTunnelParameters, err)
	}
	if err := p.Validate(); err != nil {
		return tunnel.Parameters{}, fmt.Errorf("%w: %w", tunnel.ErrNoTunnelParameters, err)
	}
	if attempt == 0 {
		if err := o.profiles.MarkUsed(p.ID); err != nil {
			o.log.Debug("failed to mark profile %s used: %v", p.Name, err)
		}
	}
	return tunnel.Parameters{Endpoint: p.Endpoint, Protocol: p.Protocol, Data: p}, nil
}

// Launch starts openvpn for the profile in params.
func (o *OpenVPN) Launch(params tunnel.Parameters, r tunnel.Reporter) (tunnel.CloseHandle, error) {
	profile, ok := params.Data.(*Profile)
	if !ok {
		return nil, errors.New("tunnel parameters carry no openvpn profile")
	}

	credFile, err := o.writeCredentials(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials: %w", err)
	}

	cmd := exec.Command(o.binary, o.args(profile, params, credFile)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeFile(credFile)
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	o.log.Info("starting openvpn for profile %s (%s/%s)", profile.Name, params.Endpoint, params.Protocol)
	if err := cmd.Start(); err != nil {
		removeFile(credFile)
		return nil, fmt.Errorf("failed to start openvpn: %w", err)
	}
	o.log.Debug("openvpn started with PID %d", cmd.Process.Pid)

	proc := &process{cmd: cmd, exited: make(chan struct{}), timeout: o.closeTimeout, log: o.log}
	go o.supervise(proc, stdout, credFile, r)
	return proc, nil
}

func (o *OpenVPN) args(p *Profile, params tunnel.Parameters, credFile string) []string {
	args := []string{
		"--remote", params.Endpoint.Addr().String(), strconv.Itoa(int(params.Endpoint.Port())), params.Protocol,
		"--config", p.ConfigPath,
		"--dev", "tun",
		"--verb", "3",
		// The daemon owns resolver configuration.
		"--pull-filter", "ignore", "dhcp-option",
	}
	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile)
	}
	return args
}

func (o *OpenVPN) writeCredentials(p *Profile) (string, error) {
	if p.Username == "" {
		return "", nil
	}
	var password string
	if o.password != nil {
		pw, err := o.password(p.ID)
		if err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			return "", err
		}
		password = pw
	}
	if err := os.MkdirAll(o.runtimeDir, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(o.runtimeDir, "cred-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Chmod(0600); err != nil {
		removeFile(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", p.Username, password); err != nil {
		removeFile(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// supervise follows openvpn's log until it exits and reports to r.
func (o *OpenVPN) supervise(proc *process, out io.Reader, credFile string, r tunnel.Reporter) {
	mon := &outputMonitor{
		reporter: r,
		discover: o.discover,
		log:      o.log,
	}
	mon.scan(out)

	err := proc.cmd.Wait()
	close(proc.exited)
	removeFile(credFile)

	reason := mon.exitReason()
	switch {
	case mon.authFailure != nil:
		o.log.Warn("openvpn exited: %s: %s", reason.Description(), mon.authFailure.Description())
	case reason != nil:
		o.log.Warn("openvpn exited: %s", reason.Description())
	case err != nil && !proc.closing.Load():
		o.log.Warn("openvpn exited: %v", err)
	default:
		o.log.Info("openvpn exited")
	}
	r.Exited(reason)
}

// outputMonitor turns openvpn log lines into tunnel events.
type outputMonitor struct {
	reporter tunnel.Reporter
	discover func(iface string) (tunnel.Metadata, error)
	log      common.Logger

	device      string
	up          bool
	authFailure *AuthFailedReason
}

// scan reads r to EOF. Once a line cannot be parsed the rest is discarded
// so the process never blocks writing its log.
func (m *outputMonitor) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.handle(sc.Text())
	}
	if err := sc.Err(); err != nil {
		m.log.Warn("stopped reading openvpn output: %v", err)
		if _, err := io.Copy(io.Discard, r); err != nil {
			m.log.Debug("draining openvpn output: %v", err)
		}
	}
}

func (m *outputMonitor) handle(line string) {
	m.log.Debug("openvpn: %s", line)

	if reason, ok := parseAuthFailed(line); ok {
		m.authFailure = &reason
		return
	}

	switch {
	case deviceName(line) != "":
		m.device = deviceName(line)
	case strings.Contains(line, "Initialization Sequence Completed"):
		md, err := m.discover(m.device)
		if err != nil {
			m.log.Warn("failed to read tunnel interface %q: %v", m.device, err)
			md = tunnel.Metadata{Interface: m.device}
		}
		m.up = true
		m.reporter.Up(md)
	case m.up && (strings.Contains(line, "Restart pause") || strings.Contains(line, "SIGUSR1[soft")):
		m.up = false
		m.reporter.Down()
	}
}

func (m *outputMonitor) exitReason() *tunnel.BlockReason {
	if m.authFailure != nil {
		r := tunnel.AuthFailed
		return &r
	}
	return nil
}

// deviceName extracts the interface from "TUN/TAP device tun0 opened".
func deviceName(line string) string {
	const marker = "TUN/TAP device "
	i := strings.Index(line, marker)
	if i < 0 {
		return ""
	}
	fields := strings.Fields(line[i+len(marker):])
	if len(fields) < 2 || fields[1] != "opened" {
		return ""
	}
	return fields[0]
}

// process is the close handle of a running openvpn.
type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	timeout time.Duration
	log     common.Logger

	closing atomic.Bool
	once    sync.Once
}

// Close sends SIGTERM and kills the process group if it has not exited
// within the timeout.
func (p *process) Close() error {
	var err error
	p.once.Do(func() {
		p.closing.Store(true)
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			if errors.Is(sigErr, os.ErrProcessDone) {
				return
			}
			p.log.Warn("failed to signal openvpn: %v", sigErr)
		}
		select {
		case <-p.exited:
		case <-time.After(p.timeout):
			p.log.Warn("openvpn did not exit after %s, killing it", p.timeout)
			if killErr := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); killErr != nil {
				err = fmt.Errorf("kill openvpn: %w", killErr)
			}
		}
	})
	return err
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		common.LogWarn("failed to remove %s: %v", path, err)
	}
}
