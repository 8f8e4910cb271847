// Package winrmexec runs PowerShell scripts on Windows targets over WinRM.
// It handles session caching, the cmd.exe 8191 character limit via temp
// file chunking, NTLM auth, and parameter injection as $params_ variables.
package winrmexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000 // chars before switching to temp file mode
	chunkSize         = 6000 // base64 chunk size for cmd.exe echo safety
	defaultTimeout    = 300 * time.Second
)

// ParamPrefix is the PowerShell variable prefix scripts rely on:
// a parameter named Hostname is visible as $params_Hostname.
const ParamPrefix = "params_"

type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

// Executor manages WinRM sessions and script execution.
type Executor struct {
	log      zerolog.Logger
	sessions map[string]*cachedSession
	mu       sync.Mutex
}

// New creates a WinRM executor.
func New(log zerolog.Logger) *Executor {
	return &Executor{
		log:      log,
		sessions: make(map[string]*cachedSession),
	}
}

// RunScript executes a PowerShell script on a Windows target. Parameters
// are injected as $params_<Name> variables ahead of the script body.
// Partial output is surfaced on timeout.
func (e *Executor) RunScript(ctx context.Context, target *drift.Target, script string, params map[string]string, timeout time.Duration) (*drift.ScriptResult, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := time.Now()

	full := injectParams(script, params)

	client, err := e.getSession(target)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var stdout, stderr string
	var exitCode int
	if len(full) > inlineScriptLimit {
		stdout, stderr, exitCode, err = e.executeViaTempFile(ctx, client, full, timeout)
	} else {
		stdout, stderr, exitCode, err = e.executeInline(ctx, client, full, timeout)
	}

	res := &drift.ScriptResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}
	if err != nil {
		e.InvalidateSession(target.Hostname)
		return res, err
	}
	return res, nil
}

// injectParams prepends $params_ variable assignments to the script.
// Keys are sorted so the generated preamble is stable.
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
		fmt.Fprintf(&b, "$%s%s = '%s'\n", ParamPrefix, k, escapePSString(params[k]))
	}
	b.WriteString(script)
	return b.String()
}

// escapePSString escapes a value for a single-quoted PowerShell string.
func escapePSString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (e *Executor) executeInline(ctx context.Context, client *gowinrm.Client, script string, timeout time.Duration) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	return waitCommand(ctx, cmd, timeout)
}

// executeViaTempFile handles the cmd.exe 8191 character limit by writing
// the script to a temp file via chunked base64 echo commands.
func (e *Executor) executeViaTempFile(ctx context.Context, client *gowinrm.Client, script string, timeout time.Duration) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\msp_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitString(encoded, chunkSize)

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", "", -1, err
		}
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmdStr := fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64)
		cmd, err := shell.Execute("cmd.exe", "/c", cmdStr)
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		code := cmd.ExitCode()
		cmd.Close()
		if code != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, code)
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	encodedCmd := encodePowerShell(decodeAndRun)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodedCmd)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	return waitCommand(ctx, cmd, timeout)
}

// waitCommand waits for a running command, honoring context cancellation
// and the per-call timeout. Partial output is returned on timeout.
func waitCommand(ctx context.Context, cmd *gowinrm.Command, timeout time.Duration) (string, string, int, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	var copyWG sync.WaitGroup
	copyWG.Add(2)
	go func() { defer copyWG.Done(); io.Copy(&stdoutBuf, cmd.Stdout) }()
	go func() { defer copyWG.Done(); io.Copy(&stderrBuf, cmd.Stderr) }()

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		copyWG.Wait()
		return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()),
			cmd.ExitCode(), nil
	case <-time.After(timeout):
		cmd.Close()
		return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()),
			-1, fmt.Errorf("execution timed out after %s", timeout)
	case <-ctx.Done():
		// Best-effort remote kill; the shell close terminates the process.
		cmd.Close()
		return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()),
			-1, ctx.Err()
	}
}

// getSession returns a cached or new WinRM session.
func (e *Executor) getSession(target *drift.Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		e.log.Debug().Str("target", target.Hostname).Msg("session expired, refreshing")
	}

	if target.Credentials == nil {
		return nil, fmt.Errorf("no credentials for %s", target.Hostname)
	}

	useTLS := target.UseTLS
	port := target.Port
	if port == 0 {
		if useTLS {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(target.Addr(), port, useTLS, !target.VerifyTLS, nil, nil, nil, 120*time.Second)

	// NTLM: Basic auth is rarely enabled in domain environments.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Credentials.Username, target.Credentials.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[target.Hostname] = &cachedSession{client: client, createdAt: time.Now()}
	e.log.Info().Str("target", target.Hostname).Int("port", port).Bool("tls", useTLS).Msg("new WinRM session")
	return client, nil
}

// InvalidateSession removes a cached session for a host.
func (e *Executor) InvalidateSession(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, hostname)
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// encodePowerShell encodes a script for -EncodedCommand (UTF-16LE base64).
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
