// SPDX-License-Identifier: MIT

package netpolicy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/metrics"
	"github.com/pisonet/pisond/internal/netid"
)

const (
	authChain = "PISOND_AUTH"
	upChain   = "PISOND_UP"

	probeTimeout   = 2 * time.Second
	rewriteTimeout = 5 * time.Second
)

// ShellConfig selects the interfaces the adapter drives.
type ShellConfig struct {
	// LanIface is the client-facing interface (upload accounting, egress shaping).
	LanIface string
	// IfbIface is the intermediate device carrying download classes.
	IfbIface string
}

// ShellPolicy drives the packet plane by shelling out to iptables, tc,
// ip-neigh and conntrack. Every call carries a bounded deadline; failures
// surface as ErrTransient and are healed by the reconciliation ticker.
type ShellPolicy struct {
	cfg    ShellConfig
	logger zerolog.Logger
	run    func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)
}

// NewShellPolicy creates the production adapter.
func NewShellPolicy(cfg ShellConfig) *ShellPolicy {
	return &ShellPolicy{
		cfg:    cfg,
		logger: xlog.WithComponent("netpolicy"),
		run:    runCommand,
	}
}

func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("%w: %s timed out", ErrTransient, name)
	}
	if err != nil {
		// The diagnostic lives in the captured output, not in the bare
		// "exit status N"; callers match on it to tell an absent rule
		// from a real failure.
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return out.String(), fmt.Errorf("%s: %w", msg, err)
		}
	}
	return out.String(), err
}

// Authorize appends the MAC to the authorization chain if absent.
func (p *ShellPolicy) Authorize(ctx context.Context, mac netid.MAC) (bool, error) {
	_, err := p.run(ctx, probeTimeout, "iptables",
		"-t", "mangle", "-C", authChain, "-m", "mac", "--mac-source", mac.String(), "-j", "RETURN")
	if err == nil {
		metrics.RecordPolicyCall("authorize", nil)
		return false, nil // already authorized
	}

	_, err = p.run(ctx, rewriteTimeout, "iptables",
		"-t", "mangle", "-A", authChain, "-m", "mac", "--mac-source", mac.String(), "-j", "RETURN")
	metrics.RecordPolicyCall("authorize", err)
	if err != nil {
		return false, fmt.Errorf("%w: authorize %s: %v", ErrTransient, mac, err)
	}
	p.logger.Info().Str("event", "policy.authorized").Str("mac", mac.String()).Msg("mac authorized")
	return true, nil
}

// Deauthorize deletes the MAC rule and flushes its conntrack flows.
func (p *ShellPolicy) Deauthorize(ctx context.Context, mac netid.MAC) error {
	_, err := p.run(ctx, rewriteTimeout, "iptables",
		"-t", "mangle", "-D", authChain, "-m", "mac", "--mac-source", mac.String(), "-j", "RETURN")
	if err != nil && !isNoSuchRule(err) {
		metrics.RecordPolicyCall("deauthorize", err)
		return fmt.Errorf("%w: deauthorize %s: %v", ErrTransient, mac, err)
	}
	metrics.RecordPolicyCall("deauthorize", nil)

	// Evict established flows so the client falls back into the walled
	// garden immediately, not when the flow ends.
	if ip := p.neighborIP(ctx, mac); ip != "" {
		_, _ = p.run(ctx, probeTimeout, "conntrack", "-D", "-s", ip)
	}
	p.logger.Info().Str("event", "policy.deauthorized").Str("mac", mac.String()).Msg("mac deauthorized")
	return nil
}

// SetLimit installs htb classes for the IP on both directions.
func (p *ShellPolicy) SetLimit(ctx context.Context, ip string, downKbps, upKbps int) error {
	classID, err := netid.ClassID(ip)
	if err != nil {
		return err
	}
	handle := fmt.Sprintf("1:%x", classID)

	if downKbps > 0 {
		_, err = p.run(ctx, rewriteTimeout, "tc",
			"class", "replace", "dev", p.cfg.IfbIface, "parent", "1:", "classid", handle,
			"htb", "rate", fmt.Sprintf("%dkbit", downKbps))
		metrics.RecordPolicyCall("set_limit", err)
		if err != nil {
			return fmt.Errorf("%w: set down limit %s: %v", ErrTransient, ip, err)
		}
	}
	if upKbps > 0 {
		_, err = p.run(ctx, rewriteTimeout, "tc",
			"class", "replace", "dev", p.cfg.LanIface, "parent", "1:", "classid", handle,
			"htb", "rate", fmt.Sprintf("%dkbit", upKbps))
		metrics.RecordPolicyCall("set_limit", err)
		if err != nil {
			return fmt.Errorf("%w: set up limit %s: %v", ErrTransient, ip, err)
		}
	}
	return nil
}

// RemoveLimit deletes the htb classes for the IP.
func (p *ShellPolicy) RemoveLimit(ctx context.Context, ip string) error {
	classID, err := netid.ClassID(ip)
	if err != nil {
		return err
	}
	handle := fmt.Sprintf("1:%x", classID)
	for _, dev := range []string{p.cfg.IfbIface, p.cfg.LanIface} {
		if _, err := p.run(ctx, rewriteTimeout, "tc",
			"class", "del", "dev", dev, "classid", handle); err != nil && !isNoSuchRule(err) {
			metrics.RecordPolicyCall("remove_limit", err)
			return fmt.Errorf("%w: remove limit %s: %v", ErrTransient, ip, err)
		}
	}
	metrics.RecordPolicyCall("remove_limit", nil)
	return nil
}

// SampleCounters reads upload bytes from the accounting chain and download
// bytes from the tc classes.
func (p *ShellPolicy) SampleCounters(ctx context.Context, iface string) (Counters, error) {
	upOut, err := p.run(ctx, probeTimeout, "iptables", "-t", "mangle", "-nvxL", upChain)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: sample uploads: %v", ErrTransient, err)
	}
	downOut, err := p.run(ctx, probeTimeout, "tc", "-s", "class", "show", "dev", p.cfg.IfbIface)
	if err != nil {
		return Counters{}, fmt.Errorf("%w: sample downloads: %v", ErrTransient, err)
	}
	return Counters{
		Uploads:   parseUploadCounters(upOut),
		Downloads: parseDownloadCounters(downOut),
	}, nil
}

// ListAuthorizedMACs parses the authorization chain rule list.
func (p *ShellPolicy) ListAuthorizedMACs(ctx context.Context) (map[netid.MAC]struct{}, error) {
	out, err := p.run(ctx, probeTimeout, "iptables", "-t", "mangle", "-S", authChain)
	if err != nil {
		return nil, fmt.Errorf("%w: list macs: %v", ErrTransient, err)
	}
	return parseAuthorizedMACs(out), nil
}

// NeighborReachable probes the kernel neighbor table for the IP.
func (p *ShellPolicy) NeighborReachable(ctx context.Context, ip string) (bool, error) {
	out, err := p.run(ctx, probeTimeout, "ip", "neigh", "show", ip)
	if err != nil {
		return false, fmt.Errorf("%w: neigh %s: %v", ErrTransient, ip, err)
	}
	return strings.Contains(out, "REACHABLE") || strings.Contains(out, "DELAY"), nil
}

// HasLiveFlows checks conntrack for established flows from the IP.
func (p *ShellPolicy) HasLiveFlows(ctx context.Context, ip string) (bool, error) {
	out, err := p.run(ctx, probeTimeout, "conntrack", "-L", "-s", ip, "--state", "ESTABLISHED")
	if err != nil {
		return false, fmt.Errorf("%w: conntrack %s: %v", ErrTransient, ip, err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (p *ShellPolicy) neighborIP(ctx context.Context, mac netid.MAC) string {
	out, err := p.run(ctx, probeTimeout, "ip", "neigh", "show", "dev", p.cfg.LanIface)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) && netid.Equal(fields[i+1], mac.String()) {
				return fields[0]
			}
		}
	}
	return ""
}

// parseUploadCounters extracts per-IP byte counts from `iptables -nvxL` output.
// Rows look like: "  pkts  bytes target prot opt in out source destination".
func parseUploadCounters(out string) map[string]CounterSample {
	res := make(map[string]CounterSample)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		bytes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		src := fields[7]
		if idx := strings.Index(src, "/"); idx >= 0 {
			src = src[:idx]
		}
		if !netid.ValidIP(src) || src == "0.0.0.0" {
			continue
		}
		res[src] = CounterSample{Bytes: bytes}
	}
	return res
}

// parseDownloadCounters extracts per-class byte counts from
// `tc -s class show` output.
func parseDownloadCounters(out string) map[int]CounterSample {
	res := make(map[int]CounterSample)
	var classID int = -1
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "class" && fields[1] == "htb" {
			classID = -1
			if parts := strings.SplitN(fields[2], ":", 2); len(parts) == 2 {
				if id, err := strconv.ParseInt(parts[1], 16, 32); err == nil && id >= 1 && id <= 254 {
					classID = int(id)
				}
			}
			continue
		}
		if classID > 0 && len(fields) >= 2 && fields[0] == "Sent" {
			if bytes, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				res[classID] = CounterSample{Bytes: bytes}
			}
			classID = -1
		}
	}
	return res
}

// parseAuthorizedMACs extracts MACs from `iptables -S` rule listings.
func parseAuthorizedMACs(out string) map[netid.MAC]struct{} {
	res := make(map[netid.MAC]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "--mac-source" && i+1 < len(fields) {
				if mac, err := netid.ParseMAC(fields[i+1]); err == nil {
					res[mac] = struct{}{}
				}
			}
		}
	}
	return res
}

func isNoSuchRule(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such") || strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "bad rule") || strings.Contains(msg, "no chain/target/match")
}
