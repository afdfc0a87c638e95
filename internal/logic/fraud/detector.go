// Package fraud classifies whole bid requests as invalid traffic before any
// other auction work happens.
//
// Classification only reads the request and immutable lookup tables built at
// construction time, so it costs microseconds and never blocks. The only
// mutable state is a set of atomic counters.
package fraud

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/patrickwarner/openbidder/internal/geoip"
	"github.com/patrickwarner/openbidder/internal/logic"
	"github.com/patrickwarner/openbidder/internal/models"
	"github.com/patrickwarner/openbidder/internal/observability"
)

// Rule names the signal that marked a request fraudulent.
type Rule string

const (
	RuleMissingDevice Rule = "missing_device"
	RuleMissingUA     Rule = "missing_ua"
	RuleBot           Rule = "bot_ua"
	RuleMissingIP     Rule = "missing_ip"
	RuleUnroutableIP  Rule = "unroutable_ip"
	RuleBlockedIP     Rule = "blocked_ip"
	RuleDataCenter    Rule = "datacenter_ip"
	RuleProxy         Rule = "anonymous_proxy"
	RuleGeoMismatch   Rule = "geo_mismatch"
	RuleMissingIDs    Rule = "missing_ids"
)

var allRules = []Rule{
	RuleMissingDevice, RuleMissingUA, RuleBot, RuleMissingIP, RuleUnroutableIP,
	RuleBlockedIP, RuleDataCenter, RuleProxy, RuleGeoMismatch, RuleMissingIDs,
}

// Config selects the optional rules and the IP ranges to block.
type Config struct {
	BlockedCIDRs    []string
	DataCenterCIDRs []string
	// StrictIDs blocks requests that carry neither a user id nor a device IFA.
	StrictIDs bool
	// GeoMismatch blocks requests whose IP country differs from the declared geo.
	GeoMismatch bool
}

// Detector implements the fraud gate.
type Detector struct {
	cfg        Config
	blocked    []*net.IPNet
	datacenter []*net.IPNet
	geo        *geoip.GeoIP
	metrics    observability.MetricsRegistry

	seen    atomic.Int64
	flagged atomic.Int64
	byRule  map[Rule]*atomic.Int64 // keys fixed at construction
}

// NewDetector parses the configured ranges. geo may be nil, which disables
// the proxy and geo mismatch rules.
func NewDetector(cfg Config, geo *geoip.GeoIP, metrics observability.MetricsRegistry) (*Detector, error) {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	d := &Detector{
		cfg:     cfg,
		geo:     geo,
		metrics: metrics,
		byRule:  make(map[Rule]*atomic.Int64, len(allRules)),
	}
	var err error
	if d.blocked, err = parseCIDRs(cfg.BlockedCIDRs); err != nil {
		return nil, err
	}
	if d.datacenter, err = parseCIDRs(cfg.DataCenterCIDRs); err != nil {
		return nil, err
	}
	for _, r := range allRules {
		d.byRule[r] = new(atomic.Int64)
	}
	return d, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", c, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// IsFraudulent reports whether the request should be rejected outright and
// updates the running totals.
func (d *Detector) IsFraudulent(req *models.BidRequest) bool {
	d.seen.Add(1)
	rule := d.Classify(req)
	if rule == "" {
		return false
	}
	d.flagged.Add(1)
	d.byRule[rule].Add(1)
	d.metrics.IncrementFraudBlocked(string(rule))
	return true
}

// Classify returns the first rule the request violates, or "" for clean
// traffic. It has no side effects.
func (d *Detector) Classify(req *models.BidRequest) Rule {
	dev := req.Device
	if dev == nil {
		return RuleMissingDevice
	}
	if dev.UA == "" {
		return RuleMissingUA
	}
	if logic.ResolveTargetingFromUA(dev.UA).IsBot {
		return RuleBot
	}

	ip := logic.DeviceIP(dev)
	if ip == nil {
		return RuleMissingIP
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
		return RuleUnroutableIP
	}
	if containsIP(d.blocked, ip) {
		return RuleBlockedIP
	}
	if containsIP(d.datacenter, ip) {
		return RuleDataCenter
	}

	if d.geo != nil {
		loc := d.geo.Lookup(ip)
		if loc.Proxy {
			return RuleProxy
		}
		if d.cfg.GeoMismatch && loc.Country != "" && dev.Geo != nil {
			declared := geoip.NormalizeCountry(dev.Geo.Country)
			if declared != "" && declared != loc.Country {
				return RuleGeoMismatch
			}
		}
	}

	if d.cfg.StrictIDs && dev.IFA == "" && (req.User == nil || (req.User.ID == "" && req.User.BuyerUID == "")) {
		return RuleMissingIDs
	}
	return ""
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Stats holds the running totals of the detector.
type Stats struct {
	Seen    int64            `json:"requests_seen"`
	Blocked int64            `json:"requests_blocked"`
	ByRule  map[string]int64 `json:"blocked_by_rule"`
}

// GetFraudStatistics returns a snapshot of the running totals.
func (d *Detector) GetFraudStatistics() Stats {
	st := Stats{
		Seen:    d.seen.Load(),
		Blocked: d.flagged.Load(),
		ByRule:  make(map[string]int64),
	}
	for r, c := range d.byRule {
		if n := c.Load(); n > 0 {
			st.ByRule[string(r)] = n
		}
	}
	return st
}
