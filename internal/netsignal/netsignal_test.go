package netsignal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSuspiciousAddr(t *testing.T) {
	for _, ip := range []string{"10.1.2.3", "172.16.0.9", "192.168.1.1", "127.0.0.1", "169.254.3.4", "0.1.2.3", "::1", "fe80::1", "fd00::5", "::ffff:192.168.0.1"} {
		assert.True(t, IsSuspiciousAddr(ip), ip)
	}
	for _, ip := range []string{"8.8.8.8", "203.0.114.7", "2001:4860:4860::8888", "not-an-ip", ""} {
		assert.False(t, IsSuspiciousAddr(ip), ip)
	}
}

func TestDetectVPN(t *testing.T) {
	res := DetectVPN("8.8.8.8", "")
	assert.False(t, res.IsVPN)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Reasons)

	res = DetectVPN("10.0.0.1", "")
	assert.True(t, res.IsVPN)
	assert.Equal(t, 0.4, res.Confidence)

	res = DetectVPN("8.8.8.8", "NordVPN Hosting")
	assert.True(t, res.IsVPN)
	assert.Equal(t, 0.3, res.Confidence)
	assert.Equal(t, []string{"ISP name suggests VPN/proxy: NordVPN Hosting"}, res.Reasons)

	res = DetectVPN("192.168.0.10", "Acme Cloud")
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
	assert.Len(t, res.Reasons, 2)

	assert.False(t, DetectVPN("garbage", "Comcast").IsVPN)
}

func TestClassifyDensity(t *testing.T) {
	assert.Equal(t, DensityLow, ClassifyDensity(0))
	assert.Equal(t, DensityLow, ClassifyDensity(9))
	assert.Equal(t, DensityMedium, ClassifyDensity(10))
	assert.Equal(t, DensityHigh, ClassifyDensity(20))
	assert.Equal(t, DensityHigh, ClassifyDensity(49))
	assert.Equal(t, DensityCritical, ClassifyDensity(50))
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "ip:1.2.3.4", EntityKey(" 1.2.3.4 "))
}
