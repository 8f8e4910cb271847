// Package sshexec runs bash scripts on Linux targets over SSH. Handles
// key/password auth, sudo, connection caching with LRU eviction, distro
// detection, TOFU host key verification, and parameter injection as
// PARAMS_<UPPER> environment variables.
package sshexec

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

const (
	connMaxAge     = 300 * time.Second
	defaultTimeout = 300 * time.Second
	maxCachedConns = 50 // LRU eviction threshold
	distroTTL      = 24 * time.Hour
)

type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

type distroCacheEntry struct {
	distro   string
	cachedAt time.Time
}

// Executor manages SSH connections and script execution.
type Executor struct {
	log            zerolog.Logger
	knownHostsPath string

	conns       map[string]*cachedConn
	connOrder   []string // LRU order: oldest first
	distroCache map[string]*distroCacheEntry
	hostKeys    map[string]ssh.PublicKey
	mu          sync.Mutex
}

// New creates an SSH executor. Host keys accepted on first use are
// persisted under stateDir and changed keys are rejected.
func New(log zerolog.Logger, stateDir string) *Executor {
	e := &Executor{
		log:            log,
		knownHostsPath: filepath.Join(stateDir, "ssh_known_hosts"),
		conns:          make(map[string]*cachedConn),
		distroCache:    make(map[string]*distroCacheEntry),
		hostKeys:       make(map[string]ssh.PublicKey),
	}
	e.loadKnownHosts()
	return e
}

// RunScript executes a bash script on a Linux target. Parameters are
// exported as PARAMS_<UPPER> environment variables ahead of the script
// body. Partial output is surfaced on timeout.
func (e *Executor) RunScript(ctx context.Context, target *drift.Target, script string, params map[string]string, timeout time.Duration) (*drift.ScriptResult, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()

	full := injectParams(script, params)

	client, err := e.getConnection(target)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		e.InvalidateConnection(target.Hostname)
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	// Base64 the whole script to avoid shell quoting issues.
	encoded := base64.StdEncoding.EncodeToString([]byte(full))
	creds := target.Credentials

	var cmd string
	switch {
	case creds != nil && creds.Username != "root" && creds.SudoPassword != "":
		cmd = fmt.Sprintf(`echo %s | sudo -S bash -c "$(echo %s | base64 -d)"`,
			shellQuote(creds.SudoPassword), encoded)
	case creds != nil && creds.Username != "root":
		cmd = fmt.Sprintf(`sudo bash -c "$(echo %s | base64 -d)"`, encoded)
	default:
		cmd = fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)
	}

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	result := func(exitCode int) *drift.ScriptResult {
		return &drift.ScriptResult{
			ExitCode: exitCode,
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			Duration: time.Since(start),
		}
	}

	select {
	case <-ctx.Done():
		// Best-effort remote kill; returns well inside the 5s shutdown bound.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return result(-1), ctx.Err()
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		session.Close()
		return result(-1), fmt.Errorf("execution timed out after %s", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*ssh.ExitError)
			if !ok {
				e.InvalidateConnection(target.Hostname)
				return result(-1), fmt.Errorf("run: %w", err)
			}
			exitCode = exitErr.ExitStatus()
		}
		return result(exitCode), nil
	}
}

// injectParams prepends PARAMS_<UPPER> exports to the script. Keys are
// sorted so the generated preamble is stable.
func injectParams(script string, params map[string]string) string {
	if len(params) == 0 {
		return script
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export PARAMS_%s=%s\n", paramName(k), shellQuote(params[k]))
	}
	b.WriteString(script)
	return b.String()
}

// paramName uppercases a key and maps non-identifier characters to
// underscores.
func paramName(k string) string {
	up := strings.ToUpper(k)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, up)
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DetectDistro detects the Linux distribution on a target, cached for 24h.
func (e *Executor) DetectDistro(ctx context.Context, target *drift.Target) (string, error) {
	e.mu.Lock()
	if entry, ok := e.distroCache[target.Hostname]; ok && time.Since(entry.cachedAt) < distroTTL {
		e.mu.Unlock()
		return entry.distro, nil
	}
	e.mu.Unlock()

	script := `if [ -f /etc/os-release ]; then . /etc/os-release; echo "$ID"; elif [ -f /etc/redhat-release ]; then echo "rhel"; elif [ -f /etc/debian_version ]; then echo "debian"; else echo "unknown"; fi`

	res, err := e.RunScript(ctx, target, script, nil, 10*time.Second)
	if err != nil || res.ExitCode != 0 {
		return "unknown", err
	}
	distro := strings.TrimSpace(res.Stdout)
	if distro == "" {
		distro = "unknown"
	}

	e.mu.Lock()
	e.distroCache[target.Hostname] = &distroCacheEntry{distro: distro, cachedAt: time.Now()}
	e.mu.Unlock()
	return distro, nil
}

// getConnection returns a cached or new SSH connection.
func (e *Executor) getConnection(target *drift.Target) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			s, err := cached.client.NewSession()
			if err == nil {
				s.Close()
				e.lruTouch(target.Hostname)
				return cached.client, nil
			}
			e.log.Debug().Str("target", target.Hostname).Msg("stale connection, reconnecting")
		}
		cached.client.Close()
		delete(e.conns, target.Hostname)
		e.lruRemove(target.Hostname)
	}

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}

	addr := net.JoinHostPort(target.Addr(), fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
			e.log.Debug().Str("target", evictHost).Msg("LRU evicted connection")
		}
	}

	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(target.Hostname)

	e.log.Info().Str("target", target.Hostname).Int("port", port).Msg("new SSH connection")
	return client, nil
}

// lruTouch moves a hostname to the back of the LRU order. Caller holds e.mu.
func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

// lruRemove removes a hostname from the LRU order. Caller holds e.mu.
func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection removes a cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes all cached connections.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(target *drift.Target) (*ssh.ClientConfig, error) {
	creds := target.Credentials
	if creds == nil {
		return nil, fmt.Errorf("no credentials for %s", target.Hostname)
	}
	username := creds.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	if creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else if creds.Password != "" {
		config.Auth = []ssh.AuthMethod{ssh.Password(creds.Password)}
	} else {
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}
	return config, nil
}

// tofuHostKeyCallback implements Trust On First Use: accept and persist
// new host keys, reject changed keys.
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		e.log.Info().Str("target", host).Str("key_type", key.Type()).Msg("TOFU: accepted new host key")
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	e.log.Error().Str("target", host).
		Str("was", existing.Type()).Str("now", key.Type()).
		Msg("host key changed, possible MITM")
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), e.knownHostsPath)
}

// loadKnownHosts reads persisted host keys.
// Format: one line per host: "hostname key-type base64-key"
func (e *Executor) loadKnownHosts() {
	f, err := os.Open(e.knownHostsPath)
	if err != nil {
		return // first run
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		e.hostKeys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		e.log.Info().Int("count", loaded).Msg("TOFU: loaded known host keys")
	}
}

// saveKnownHosts persists all known host keys. Caller holds e.mu.
func (e *Executor) saveKnownHosts() {
	if err := os.MkdirAll(filepath.Dir(e.knownHostsPath), 0o700); err != nil {
		e.log.Warn().Err(err).Msg("TOFU: cannot create state dir")
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU)\n")
	for host, key := range e.hostKeys {
		fmt.Fprintf(&buf, "%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
	}

	tmp := e.knownHostsPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o600); err != nil {
		e.log.Warn().Err(err).Msg("TOFU: failed to write known_hosts")
		return
	}
	if err := os.Rename(tmp, e.knownHostsPath); err != nil {
		e.log.Warn().Err(err).Msg("TOFU: failed to commit known_hosts")
	}
}
