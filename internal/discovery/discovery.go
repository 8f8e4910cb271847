// Package discovery enumerates domain workstations for the workstation
// cadences. The AD domain is located via DNS SRV records; computer
// objects are pulled from a domain controller over the standard remote
// execution path.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

// adComputer is one computer object as the enumeration script emits it.
type adComputer struct {
	Name            string `json:"Name"`
	DNSHostName     string `json:"DNSHostName"`
	IPv4Address     string `json:"IPv4Address"`
	OperatingSystem string `json:"OperatingSystem"`
	Enabled         bool   `json:"Enabled"`
	LastLogonDate   string `json:"LastLogonDate"`
}

// adEnumScript pulls enabled computer objects. Output is a compressed
// JSON array; a missing ActiveDirectory module yields an empty list.
const adEnumScript = `
$ErrorActionPreference = 'SilentlyContinue'
Import-Module ActiveDirectory -EA SilentlyContinue
$out = @()
$computers = Get-ADComputer -Filter 'Enabled -eq $true' -Properties DNSHostName, IPv4Address, OperatingSystem, LastLogonDate
foreach ($c in $computers) {
    $out += @{
        Name            = $c.Name
        DNSHostName     = $c.DNSHostName
        IPv4Address     = $c.IPv4Address
        OperatingSystem = $c.OperatingSystem
        Enabled         = [bool]$c.Enabled
        LastLogonDate   = if ($c.LastLogonDate) { $c.LastLogonDate.ToString("o") } else { "" }
    }
}
ConvertTo-Json -InputObject @($out) -Depth 3 -Compress
`

// Enumerator discovers workstations through a domain controller and
// caches the last good list. Implements drift.WorkstationProvider.
type Enumerator struct {
	log    zerolog.Logger
	runner drift.Runner

	// probe tests workstation reachability. Overridable in tests.
	probe func(host string) bool

	mu           sync.RWMutex
	controller   *drift.Target
	cache        []drift.WorkstationRecord
	enumeratedAt time.Time
}

// NewEnumerator builds an enumerator. runner must speak the controller's
// transport (WinRM for a Windows DC).
func NewEnumerator(log zerolog.Logger, runner drift.Runner) *Enumerator {
	return &Enumerator{
		log:    log,
		runner: runner,
		probe:  probeTCP,
	}
}

// SetController points enumeration at a domain controller. The check-in
// handler calls this when the target set changes; nil disables
// enumeration and freezes the cache.
func (e *Enumerator) SetController(t *drift.Target) {
	e.mu.Lock()
	e.controller = t
	e.mu.Unlock()
}

// Refresh re-enumerates the domain. Failures keep the previous cache:
// a flaky DC must not blank the workstation list.
func (e *Enumerator) Refresh(ctx context.Context) error {
	e.mu.RLock()
	dc := e.controller
	e.mu.RUnlock()
	if dc == nil {
		return nil
	}

	res, err := e.runner.RunScript(ctx, dc, adEnumScript, nil, 60*time.Second)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", dc.Hostname, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("enumerate %s: exit %d: %s", dc.Hostname, res.ExitCode, res.Stderr)
	}

	var computers []adComputer
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &computers); err != nil {
		return fmt.Errorf("parse enumeration output: %w", err)
	}

	now := time.Now().UTC()
	records := make([]drift.WorkstationRecord, 0, len(computers))
	for _, c := range computers {
		if !c.Enabled || !isWorkstationOS(c.OperatingSystem) {
			continue
		}
		host := c.DNSHostName
		if host == "" {
			host = c.Name
		}
		records = append(records, drift.WorkstationRecord{
			Hostname: host,
			OS:       c.OperatingSystem,
			Online:   e.probe(host),
			LastSeen: now,
			Source:   "ad",
		})
	}

	e.mu.Lock()
	e.cache = records
	e.enumeratedAt = now
	e.mu.Unlock()
	e.log.Info().Int("workstations", len(records)).Str("dc", dc.Hostname).Msg("workstation list refreshed")
	return nil
}

// Workstations returns the cached list. The discovery cadence owns
// refreshing; compliance ticks between refreshes reuse the cache.
func (e *Enumerator) Workstations(_ context.Context) ([]drift.WorkstationRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]drift.WorkstationRecord(nil), e.cache...), nil
}

// isWorkstationOS filters out servers and non-Windows objects.
func isWorkstationOS(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "windows") && !strings.Contains(lower, "server")
}

// probeTCP reports whether the host answers on a WinRM port.
func probeTCP(host string) bool {
	for _, port := range []string{"5986", "5985"} {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// DiscoverDomain locates the AD domain via DNS SRV, falling back to the
// resolv.conf search domain. Empty result means no domain is visible.
func DiscoverDomain(ctx context.Context) (domain string, controllers []string) {
	for _, cand := range searchDomains() {
		_, srvs, err := net.DefaultResolver.LookupSRV(ctx, "ldap", "tcp", cand)
		if err != nil || len(srvs) == 0 {
			continue
		}
		for _, srv := range srvs {
			controllers = append(controllers, strings.TrimSuffix(srv.Target, "."))
		}
		return cand, controllers
	}
	return "", nil
}

func searchDomains() []string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	var domains []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == "search" || fields[0] == "domain" {
			domains = append(domains, fields[1:]...)
		}
	}
	return domains
}
