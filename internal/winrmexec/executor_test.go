package winrmexec

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInjectParams(t *testing.T) {
	script := "Write-Output $params_Hostname"
	out := injectParams(script, map[string]string{
		"Hostname": "WS01",
		"Profile":  "Domain",
	})

	if !strings.HasPrefix(out, "$params_Hostname = 'WS01'\n$params_Profile = 'Domain'\n") {
		t.Errorf("params not injected in sorted order:\n%s", out)
	}
	if !strings.HasSuffix(out, script) {
		t.Error("script body not preserved")
	}
}

func TestInjectParamsEmpty(t *testing.T) {
	script := "Get-Service"
	if got := injectParams(script, nil); got != script {
		t.Errorf("empty params should leave script unchanged, got %q", got)
	}
}

func TestInjectParamsEscapesQuotes(t *testing.T) {
	out := injectParams("x", map[string]string{"Name": "O'Brien"})
	if !strings.Contains(out, "'O''Brien'") {
		t.Errorf("single quote not doubled: %s", out)
	}
}

func TestEncodePowerShell(t *testing.T) {
	encoded := encodePowerShell("dir")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// UTF-16LE: every ASCII byte followed by a zero byte.
	want := []byte{'d', 0, 'i', 0, 'r', 0}
	if string(decoded) != string(want) {
		t.Errorf("decoded = %v, want %v", decoded, want)
	}
}

func TestSplitString(t *testing.T) {
	chunks := splitString("abcdefghij", 4)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0] != "abcd" || chunks[1] != "efgh" || chunks[2] != "ij" {
		t.Errorf("bad chunks: %v", chunks)
	}
}

func TestSessionCountStartsEmpty(t *testing.T) {
	e := New(zerolog.Nop())
	if e.SessionCount() != 0 {
		t.Errorf("new executor has %d sessions, want 0", e.SessionCount())
	}
	e.InvalidateSession("nonexistent")
	if e.SessionCount() != 0 {
		t.Error("invalidating a missing session should be a no-op")
	}
}
