package signals

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/metadata"
)

// Detection labels attached to the triggering analysis layer.
const (
	DetectionJA4IPClustering   = "ja4_ip_clustering"
	DetectionJA4RapidGlobal    = "ja4_rapid_global"
	DetectionJA4ExtendedGlobal = "ja4_extended_global"
)

// Layer names.
const (
	layerIPClustering   = "ip_clustering"
	layerRapidGlobal    = "rapid_global"
	layerExtendedGlobal = "extended_global"
)

// CollectJA4 runs the three-layer session-hopping analysis over prior
// verification attempts sharing this request's JA4 hash. A missing hash or
// a failed fetch yields a neutral signal.
func (c *Collectors) CollectJA4(ctx context.Context, md *metadata.RequestMetadata, cfg config.FraudConfig) JA4Signal {
	if md == nil || md.JA4 == "" {
		return JA4Signal{Present: false}
	}

	now := time.Now()
	maxWindow := maxMinutes(cfg.JA4IPClusterWindowMinutes, cfg.RapidGlobalWindowMinutes, cfg.ExtendedGlobalWindowMinutes)
	obs, err := c.store.ListJA4Observations(ctx, md.JA4, now.Add(-maxWindow))
	if err != nil {
		c.logger.Printf("⚠️  JA4 observation fetch failed: %v", err)
		return JA4Signal{
			Present:  true,
			Warnings: []string{"ja4 history unavailable"},
		}
	}

	sameBucket := ipBucketMatcher(md.RemoteIP)
	layers := []JA4Layer{
		buildLayer(layerIPClustering, DetectionJA4IPClustering, obs,
			now.Add(-time.Duration(cfg.JA4IPClusterWindowMinutes)*time.Minute), sameBucket),
		buildLayer(layerRapidGlobal, DetectionJA4RapidGlobal, obs,
			now.Add(-time.Duration(cfg.RapidGlobalWindowMinutes)*time.Minute), nil),
		buildLayer(layerExtendedGlobal, DetectionJA4ExtendedGlobal, obs,
			now.Add(-time.Duration(cfg.ExtendedGlobalWindowMinutes)*time.Minute), nil),
	}

	raw, detection, warnings := scoreLayers(layers, cfg)
	return JA4Signal{
		Present:       true,
		RawScore:      raw,
		DetectionType: detection,
		Layers:        layers,
		Warnings:      warnings,
	}
}

// buildLayer aggregates the observations inside one window. match narrows
// the window to an IP bucket; nil means global.
func buildLayer(name, detection string, obs []database.JA4Observation, since time.Time, match func(string) bool) JA4Layer {
	layer := JA4Layer{Name: name, Detection: detection}

	eids := map[string]struct{}{}
	var (
		first, last time.Time
		ipsSum      float64
		ipsN        int
		reqsSum     float64
		reqsN       int
	)
	for _, o := range obs {
		if o.CreatedAt.Before(since) {
			continue
		}
		if match != nil && !match(o.RemoteIP) {
			continue
		}
		eids[o.EphemeralID] = struct{}{}
		layer.Submissions++
		if first.IsZero() || o.CreatedAt.Before(first) {
			first = o.CreatedAt
		}
		if o.CreatedAt.After(last) {
			last = o.CreatedAt
		}
		if o.IPsQuantile != nil {
			ipsSum += *o.IPsQuantile
			ipsN++
		}
		if o.ReqsQuantile != nil {
			reqsSum += *o.ReqsQuantile
			reqsN++
		}
	}

	layer.EphemeralIDs = len(eids)
	if layer.Submissions >= 2 {
		layer.SpanSeconds = last.Sub(first).Seconds()
	}
	if ipsN > 0 {
		v := ipsSum / float64(ipsN)
		layer.AvgIPsQuantile = &v
	}
	if reqsN > 0 {
		v := reqsSum / float64(reqsN)
		layer.AvgReqsQuantile = &v
	}
	return layer
}

// scoreLayers composes the 0–230 raw score. Each rule fires on the first
// layer satisfying it; the detection label comes from the first layer with
// multiple ephemeral ids, in layer order.
func scoreLayers(layers []JA4Layer, cfg config.FraudConfig) (int, string, []string) {
	raw := 0
	detection := ""
	var warnings []string

	velocityWindow := float64(cfg.VelocityThresholdMinutes) * 60

	for _, l := range layers {
		if l.EphemeralIDs >= 2 {
			raw += 80
			detection = l.Detection
			warnings = append(warnings,
				fmt.Sprintf("%d ephemeral ids share ja4 in %s window", l.EphemeralIDs, l.Name))
			break
		}
	}
	for _, l := range layers {
		if l.EphemeralIDs >= 2 && l.SpanSeconds > 0 && l.SpanSeconds < velocityWindow {
			raw += 60
			warnings = append(warnings,
				fmt.Sprintf("hops span %.0fs in %s window", l.SpanSeconds, l.Name))
			break
		}
	}
	for _, l := range layers {
		if l.EphemeralIDs >= 2 && l.AvgIPsQuantile != nil && *l.AvgIPsQuantile > cfg.IPsQuantileThreshold {
			raw += 50
			warnings = append(warnings,
				fmt.Sprintf("ips quantile %.3f in %s window", *l.AvgIPsQuantile, l.Name))
			break
		}
	}
	for _, l := range layers {
		if l.EphemeralIDs >= 2 && l.AvgReqsQuantile != nil && *l.AvgReqsQuantile > cfg.ReqsQuantileThreshold {
			raw += 40
			warnings = append(warnings,
				fmt.Sprintf("reqs quantile %.3f in %s window", *l.AvgReqsQuantile, l.Name))
			break
		}
	}
	return raw, detection, warnings
}

// ipBucketMatcher reports membership in the request's source bucket: exact
// address for IPv4, /64 prefix for IPv6. Unparseable addresses fall back to
// string equality.
func ipBucketMatcher(remoteIP string) func(string) bool {
	self, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return func(other string) bool { return other == remoteIP }
	}
	self = self.Unmap()

	if self.Is4() {
		return func(other string) bool {
			addr, err := netip.ParseAddr(other)
			if err != nil {
				return other == remoteIP
			}
			return addr.Unmap() == self
		}
	}

	prefix, err := self.Prefix(64)
	if err != nil {
		return func(other string) bool { return other == remoteIP }
	}
	return func(other string) bool {
		addr, err := netip.ParseAddr(other)
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		return addr.Is6() && prefix.Contains(addr)
	}
}

func maxMinutes(minutes ...int) time.Duration {
	max := 0
	for _, m := range minutes {
		if m > max {
			max = m
		}
	}
	return time.Duration(max) * time.Minute
}
