package healing

import "github.com/osiriscare/appliance-agent/internal/drift"

// builtinRules is the shipped rule floor: one rule per detector finding,
// dispatching the matching runbook. Sites override these with local
// rules (priority 1) or promoted rules (priority 5).
func builtinRules() []*Rule {
	statusFail := Condition{Field: "status", Operator: OpEq, Value: "fail"}

	win := func(id, check, runbookID string, extra ...Condition) *Rule {
		return &Rule{
			ID:         id,
			Name:       check + " remediation",
			Origin:     OriginBuiltin,
			Priority:   PriorityBuiltin,
			Platform:   drift.PlatformWindows,
			CheckType:  check,
			Conditions: append([]Condition{statusFail}, extra...),
			Action:     ActionWindowsRunbook,
			Params:     map[string]any{"runbook_id": runbookID},
			Enabled:    true,
		}
	}
	lnx := func(id, check, runbookID string) *Rule {
		return &Rule{
			ID:         id,
			Name:       check + " remediation",
			Origin:     OriginBuiltin,
			Priority:   PriorityBuiltin,
			Platform:   drift.PlatformLinux,
			CheckType:  check,
			Conditions: []Condition{statusFail},
			Action:     ActionLinuxRunbook,
			Params:     map[string]any{"runbook_id": runbookID},
			Enabled:    true,
		}
	}
	self := func(id, check, runbookID string) *Rule {
		return &Rule{
			ID:         id,
			Name:       check + " remediation",
			Origin:     OriginBuiltin,
			Priority:   PriorityBuiltin,
			Platform:   drift.PlatformNixOSSelf,
			CheckType:  check,
			Conditions: []Condition{statusFail},
			Action:     ActionLocalScript,
			Params:     map[string]any{"runbook_id": runbookID},
			Enabled:    true,
		}
	}

	rules := []*Rule{
		win("L1-WIN-FW-SVC-001", "firewall_service", "RB-WIN-SEC-002"),
		win("L1-WIN-FW-002", "firewall", "RB-WIN-SEC-001",
			Condition{Field: "profile_enabled", Operator: OpEq, Value: false}),
		win("L1-WIN-AV-SVC-001", "defender_service", "RB-WIN-AV-001"),
		win("L1-WIN-AV-RT-001", "defender_realtime", "RB-WIN-AV-001"),
		win("L1-WIN-ENC-001", "bitlocker", "RB-WIN-ENC-001"),
		win("L1-WIN-PATCH-001", "patch_level", "RB-WIN-PATCH-001"),
		win("L1-WIN-LOCK-001", "screen_lock", "RB-WIN-LOCK-001"),
		win("L1-WIN-AUD-001", "audit_logging", "RB-WIN-AUD-001"),

		lnx("L1-LNX-SSH-001", "ssh_hardening", "RB-LNX-SSH-001"),
		lnx("L1-LNX-FW-001", "firewall", "RB-LNX-FW-001"),
		lnx("L1-LNX-AUD-001", "audit_logging", "RB-LNX-AUD-001"),
		lnx("L1-LNX-PATCH-001", "patch_level", "RB-LNX-PATCH-001"),
		lnx("L1-LNX-PERM-001", "file_permissions", "RB-LNX-PERM-001"),

		self("L1-SELF-DISK-001", "disk_space", "RB-SELF-DISK-001"),
		self("L1-SELF-FW-001", "firewall", "RB-SELF-FW-001"),
	}

	// Warn-level findings heal on their own rules without the fail gate.
	rules = append(rules,
		&Rule{
			ID: "L1-WIN-AV-DEF-001", Name: "stale defender definitions",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformWindows, CheckType: "defender_definitions",
			Conditions: []Condition{{Field: "definition_age_days", Operator: OpGt, Value: 7}},
			Action:     ActionWindowsRunbook,
			Params:     map[string]any{"runbook_id": "RB-WIN-AV-002"},
			Enabled:    true,
		},
		&Rule{
			ID: "L1-WIN-AUD-POL-001", Name: "logon auditing disabled",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformWindows, CheckType: "audit_policy",
			Action:  ActionWindowsRunbook,
			Params:  map[string]any{"runbook_id": "RB-WIN-AUD-002"},
			Enabled: true,
		},
		&Rule{
			ID: "L1-LNX-MAC-001", Name: "MAC not enforcing",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformLinux, CheckType: "mac_enforcement",
			Action:  ActionLinuxRunbook,
			Params:  map[string]any{"runbook_id": "RB-LNX-MAC-001"},
			Enabled: true,
		},
		&Rule{
			ID: "L1-SELF-NTP-001", Name: "time sync lost",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformNixOSSelf, CheckType: "time_sync",
			Action:  ActionLocalScript,
			Params:  map[string]any{"runbook_id": "RB-SELF-NTP-001"},
			Enabled: true,
		},
		// Essential service findings carry the unit name in raw state;
		// the dispatcher forwards it as PARAMS_SERVICE.
		&Rule{
			ID: "L1-SELF-SVC-001", Name: "essential service down",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformNixOSSelf,
			Conditions: []Condition{
				statusFail,
				{Field: "service", Operator: OpMatches, Value: ".+"},
			},
			Action:  ActionLocalScript,
			Params:  map[string]any{"runbook_id": "RB-SELF-SVC-001"},
			Enabled: true,
		},
		// Unknown UID-0 accounts are never auto-fixed.
		&Rule{
			ID: "L1-LNX-UID0-001", Name: "unexpected UID 0 account",
			Origin: OriginBuiltin, Priority: PriorityBuiltin,
			Platform: drift.PlatformLinux, CheckType: "uid0_accounts",
			Action:  ActionEscalate,
			Params:  map[string]any{"reason": "unexpected uid0 account requires human review"},
			Enabled: true,
		},
	)
	return rules
}
