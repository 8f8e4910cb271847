package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/osiriscare/appliance-agent/internal/central"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/queue"
)

// checkin phones home, swaps in the server's target set and processes
// pending orders. A failed check-in spools a heartbeat record so the
// server still sees the gap once connectivity returns.
func (d *Daemon) checkin(ctx context.Context) {
	req := d.checkinRequest()

	resp, err := d.client.Checkin(ctx, req)
	if err != nil {
		d.log.Warn().Err(err).Msg("checkin failed")
		d.spoolCheckin(req)
		return
	}

	if resp.ServerPublicKey != "" {
		if err := d.verifier.SetPublicKey(resp.ServerPublicKey); err != nil {
			d.log.Warn().Err(err).Msg("server public key rejected")
		}
	}

	targets := resp.Targets()
	d.mu.Lock()
	d.targets = targets
	d.applianceID = resp.ApplianceID
	d.lastCheckin = time.Now()
	d.mu.Unlock()

	d.orders.SetApplianceID(resp.ApplianceID)
	d.enum.SetController(firstWindows(targets))

	d.log.Debug().Int("targets", len(targets)).Str("appliance_id", resp.ApplianceID).Msg("checkin ok")

	if resp.TriggerImmediateScan {
		d.sched.Trigger("drift_scan")
	}
	if resp.TriggerEnumeration {
		d.sched.Trigger("workstation_discovery")
	}

	d.orders.Poll(ctx)
}

func (d *Daemon) checkinRequest() *central.CheckinRequest {
	hostname, _ := os.Hostname()
	mac, ips := interfaceInfo()
	return &central.CheckinRequest{
		SiteID:         d.cfg.SiteID,
		Hostname:       hostname,
		MACAddress:     mac,
		IPAddresses:    ips,
		UptimeSeconds:  uptimeSeconds(),
		AgentVersion:   d.version,
		AgentPublicKey: d.signer.PublicKeyHex(),
	}
}

// spoolCheckin queues a minimal heartbeat for delivery after the outage.
func (d *Daemon) spoolCheckin(req *central.CheckinRequest) {
	payload, err := json.Marshal(map[string]any{
		"site_id":       req.SiteID,
		"hostname":      req.Hostname,
		"agent_version": req.AgentVersion,
		"attempted_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := d.queue.Enqueue(queue.KindCheckinMeta, payload); err != nil {
		d.log.Warn().Err(err).Msg("checkin spool failed")
	}
}

// firstWindows picks the domain controller candidate for enumeration.
// The server lists DCs first in the windows target array.
func firstWindows(targets []*drift.Target) *drift.Target {
	for _, t := range targets {
		if t.Platform == drift.PlatformWindows {
			return t
		}
	}
	return nil
}

// interfaceInfo returns the primary MAC plus all non-loopback IPv4s.
func interfaceInfo() (string, []string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", nil
	}
	var mac string
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac == "" && len(iface.HardwareAddr) > 0 {
			mac = iface.HardwareAddr.String()
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP.String())
			}
		}
	}
	return mac, ips
}

func uptimeSeconds() int {
	up, err := host.Uptime()
	if err != nil {
		return 0
	}
	return int(up)
}
