package healing

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

// LocalRunner executes scripts on the appliance itself via bash.
// Parameters arrive as PARAMS_<UPPER> environment variables, matching
// the SSH executor's contract so runbooks are transport-agnostic.
type LocalRunner struct {
	log  zerolog.Logger
	bash string
}

// NewLocalRunner locates bash once. An empty path falls back to PATH
// lookup at run time.
func NewLocalRunner(log zerolog.Logger) *LocalRunner {
	bash, err := exec.LookPath("bash")
	if err != nil {
		bash = "bash"
	}
	return &LocalRunner{log: log, bash: bash}
}

// RunScript runs the script with a hard timeout and returns partial
// output on expiry. The target is ignored beyond logging.
func (r *LocalRunner) RunScript(ctx context.Context, target *drift.Target, script string, params map[string]string, timeout time.Duration) (*drift.ScriptResult, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.bash, "-c", script)
	cmd.Env = append(cmd.Environ(), paramEnv(params)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &drift.ScriptResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("local script timed out after %s", timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run local script: %w", err)
	}
	return res, nil
}

// paramEnv renders PARAMS_<UPPER> variables, sorted for determinism.
func paramEnv(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, "PARAMS_"+envName(k)+"="+params[k])
	}
	return env
}

// envName maps a parameter name onto an environment-safe identifier.
func envName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
