package vpn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yllada/vpnd/common"
)

// Profile is an imported OpenVPN configuration.
type Profile struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// ConfigPath is the daemon's private copy of the .ovpn file.
	ConfigPath string `json:"config_path" yaml:"config_path"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	// Remote is the server as written in the configuration file.
	Remote string `json:"remote" yaml:"remote"`
	// Endpoint is Remote resolved at import time, so that building tunnel
	// parameters never waits on DNS.
	Endpoint netip.AddrPort `json:"endpoint" yaml:"endpoint"`
	Protocol string         `json:"protocol" yaml:"protocol"`
	Created  time.Time      `json:"created" yaml:"created"`
	LastUsed time.Time      `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// Validate checks that the profile has the fields a launch needs.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if p.ConfigPath == "" {
		return errors.New("config path is required")
	}
	if !p.Endpoint.IsValid() {
		return fmt.Errorf("profile %q has no resolved endpoint", p.Name)
	}
	return nil
}

// LookupFunc resolves a host name.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// ProfileStore persists profiles as YAML. It is safe for concurrent use.
type ProfileStore struct {
	mu         sync.RWMutex
	profiles   []*Profile
	dir        string
	configFile string
	lookup     LookupFunc
}

// NewProfileStore opens the store in dir, creating it if needed.
func NewProfileStore(dir string) (*ProfileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}
	s := &ProfileStore{
		dir:        dir,
		configFile: filepath.Join(dir, common.ProfilesFileName),
	}
	s.lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProfileStore) load() error {
	data, err := os.ReadFile(s.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read profiles file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.profiles); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrConfigLoad, s.configFile, err)
	}
	return nil
}

func (s *ProfileStore) saveLocked() error {
	data, err := yaml.Marshal(s.profiles)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}
	if err := os.WriteFile(s.configFile, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

// Add imports the OpenVPN configuration at configPath under name. The file
// is copied into the store and its remote is resolved once.
func (s *ProfileStore) Add(ctx context.Context, name, configPath, username string) (*Profile, error) {
	if name == "" {
		return nil, errors.New("profile name is required")
	}
	data, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	remote, err := parseRemote(data)
	if err != nil {
		return nil, err
	}
	endpoint, err := s.resolve(ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote.host, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Name == name {
			return nil, fmt.Errorf("%w: %s", common.ErrDuplicateName, name)
		}
	}

	p := &Profile{
		ID:       uuid.NewString(),
		Name:     name,
		Username: username,
		Remote:   net.JoinHostPort(remote.host, strconv.Itoa(int(remote.port))),
		Endpoint: endpoint,
		Protocol: remote.proto,
		Created:  time.Now(),
	}
	p.ConfigPath = filepath.Join(s.dir, p.ID+".ovpn")
	if err := os.WriteFile(p.ConfigPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to copy config file: %w", err)
	}

	s.profiles = append(s.profiles, p)
	if err := s.saveLocked(); err != nil {
		s.profiles = s.profiles[:len(s.profiles)-1]
		os.Remove(p.ConfigPath)
		return nil, err
	}
	return p.clone(), nil
}

func (s *ProfileStore) resolve(ctx context.Context, r remote) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(r.host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), r.port), nil
	}
	addrs, err := s.lookup(ctx, r.host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return netip.AddrPortFrom(a.Unmap(), r.port), nil
		}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, errors.New("no addresses")
	}
	return netip.AddrPortFrom(addrs[0], r.port), nil
}

// Remove deletes the profile with the given ID or name.
func (s *ProfileStore) Remove(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.profiles {
		if p.ID == ref || p.Name == ref {
			if err := os.Remove(p.ConfigPath); err != nil && !os.IsNotExist(err) {
				common.LogWarn("failed to remove %s: %v", p.ConfigPath, err)
			}
			s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", common.ErrProfileNotFound, ref)
}

// Get returns a copy of the profile with the given ID or name.
func (s *ProfileStore) Get(ref string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.ID == ref || p.Name == ref {
			return p.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", common.ErrProfileNotFound, ref)
}

// List returns copies of all profiles.
func (s *ProfileStore) List() []*Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.clone())
	}
	return out
}

// MarkUsed updates the LastUsed timestamp.
func (s *ProfileStore) MarkUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.ID == id {
			p.LastUsed = time.Now()
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", common.ErrProfileNotFound, id)
}

func (p *Profile) clone() *Profile {
	c := *p
	return &c
}

type remote struct {
	host  string
	port  uint16
	proto string
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", common.ErrInvalidConfig, path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return nil, fmt.Errorf("%w: expected .ovpn or .conf extension", common.ErrInvalidConfig)
	}
	return os.ReadFile(path)
}

// parseRemote extracts the first remote directive. A port or protocol on
// the remote line wins over the global port and proto directives.
func parseRemote(data []byte) (remote, error) {
	r := remote{port: 1194, proto: "udp"}
	var (
		found       bool
		remotePort  string
		remoteProto string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], ";") {
			continue
		}
		switch fields[0] {
		case "remote":
			if found || len(fields) < 2 {
				continue
			}
			found = true
			r.host = fields[1]
			if len(fields) > 2 {
				remotePort = fields[2]
			}
			if len(fields) > 3 {
				remoteProto = fields[3]
			}
		case "port":
			if len(fields) > 1 && remotePort == "" {
				if err := r.setPort(fields[1]); err != nil {
					return r, err
				}
			}
		case "proto":
			if len(fields) > 1 {
				r.proto = normalizeProto(fields[1])
			}
		}
	}
	if !found {
		return r, fmt.Errorf("%w: missing remote directive", common.ErrInvalidConfig)
	}
	if remotePort != "" {
		if err := r.setPort(remotePort); err != nil {
			return r, err
		}
	}
	if remoteProto != "" {
		r.proto = normalizeProto(remoteProto)
	}
	return r, nil
}

func (r *remote) setPort(s string) error {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("%w: bad port %q", common.ErrInvalidConfig, s)
	}
	r.port = uint16(n)
	return nil
}

func normalizeProto(p string) string {
	if strings.HasPrefix(strings.ToLower(p), "tcp") {
		return "tcp"
	}
	return "udp"
}
