package netsignal

import (
	"net/netip"
	"strings"
)

var vpnKeywords = []string{"vpn", "proxy", "hosting", "datacenter", "cloud"}

// VPNResult is the outcome of the proxy heuristic.
type VPNResult struct {
	IsVPN      bool     `json:"is_vpn"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// IsSuspiciousAddr reports private, loopback, link-local, and unspecified
// addresses. Unparseable input is not suspicious.
func IsSuspiciousAddr(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	// 0.0.0.0/8 is "this network"
	return addr.Is4() && addr.As4()[0] == 0
}

// DetectVPN combines the address heuristic with an ISP keyword match.
func DetectVPN(ip, isp string) VPNResult {
	res := VPNResult{Reasons: []string{}}
	if IsSuspiciousAddr(ip) {
		res.Reasons = append(res.Reasons, "IP matches known VPN/proxy patterns")
		res.Confidence += 0.4
	}
	if isp != "" {
		lower := strings.ToLower(isp)
		for _, kw := range vpnKeywords {
			if strings.Contains(lower, kw) {
				res.Reasons = append(res.Reasons, "ISP name suggests VPN/proxy: "+isp)
				res.Confidence += 0.3
				break
			}
		}
	}
	res.Confidence = min(res.Confidence, 1)
	res.IsVPN = res.Confidence >= 0.3
	return res
}

// Density buckets the 24h transaction count seen from one address.
type Density string

const (
	DensityLow      Density = "Low"
	DensityMedium   Density = "Medium"
	DensityHigh     Density = "High"
	DensityCritical Density = "Critical"
)

// ClassifyDensity maps a count to Low, Medium (10+), High (20+) or Critical (50+).
func ClassifyDensity(count int) Density {
	switch {
	case count >= 50:
		return DensityCritical
	case count >= 20:
		return DensityHigh
	case count >= 10:
		return DensityMedium
	default:
		return DensityLow
	}
}

// EntityKey namespaces an address in the feature store.
func EntityKey(ip string) string {
	return "ip:" + strings.TrimSpace(ip)
}
