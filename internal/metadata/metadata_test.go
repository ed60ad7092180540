package metadata

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteIPPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name: "cf-connecting-ip wins",
			headers: map[string]string{
				"cf-connecting-ip": "203.0.113.7",
				"x-real-ip":        "198.51.100.1",
				"x-forwarded-for":  "192.0.2.1, 10.0.0.1",
			},
			want: "203.0.113.7",
		},
		{
			name: "x-real-ip second",
			headers: map[string]string{
				"x-real-ip":       "198.51.100.1",
				"x-forwarded-for": "192.0.2.1",
			},
			want: "198.51.100.1",
		},
		{
			name:    "first forwarded-for entry",
			headers: map[string]string{"x-forwarded-for": " 192.0.2.1 , 10.0.0.1"},
			want:    "192.0.2.1",
		},
		{
			name:    "fallback is never empty",
			headers: map[string]string{},
			want:    "0.0.0.0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/v1/submissions", nil)
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			md := Extract(r)
			assert.Equal(t, tc.want, md.RemoteIP)
			assert.NotEmpty(t, md.RemoteIP)
		})
	}
}

func TestFingerprintInvariantUnderReorderAndCase(t *testing.T) {
	a := map[string]string{
		"user-agent":      "Mozilla/5.0",
		"accept":          "application/json",
		"accept-language": "en-US",
	}
	b := map[string]string{
		"Accept-Language": "en-US",
		"USER-AGENT":      "Mozilla/5.0",
		"Accept":          "application/json",
	}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintStripsSensitiveHeaders(t *testing.T) {
	base := map[string]string{"user-agent": "Mozilla/5.0"}
	withSecrets := map[string]string{
		"user-agent":    "Mozilla/5.0",
		"cookie":        "session=abc",
		"authorization": "Bearer token",
	}

	assert.Equal(t, Fingerprint(base), Fingerprint(withSecrets))
}

func TestFingerprintSensitiveToValues(t *testing.T) {
	a := map[string]string{"user-agent": "Mozilla/5.0"}
	b := map[string]string{"user-agent": "curl/8.0"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestSnapshotExcludesCookieAndAuthorization(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("Authorization", "Bearer tok")
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Add("Accept", "text/html")
	r.Header.Add("Accept", "application/json")

	snap := Snapshot(r.Header)
	assert.NotContains(t, snap, "cookie")
	assert.NotContains(t, snap, "authorization")
	assert.Equal(t, "Mozilla/5.0", snap["user-agent"])
	assert.Equal(t, "text/html,application/json", snap["accept"])
}

func TestExtractPrefersPlatformContext(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	r.Header.Set("cf-ipcountry", "DE")
	r.Header.Set("x-ja4", "t13d1516h2_header_fallback")

	rtt := 42
	asn := 13335
	score := 12
	pc := &PlatformContext{
		Country:      "FR",
		City:         "Paris",
		ASN:          &asn,
		ClientTCPRTT: &rtt,
		DeviceType:   "desktop",
		BotManagement: &BotManagement{
			Score:      &score,
			JA4:        "t13d1516h2_platform",
			JA4Signals: &JA4Signals{IPsQuantile1h: f64(0.97)},
		},
	}
	r = r.WithContext(WithPlatformContext(r.Context(), pc))

	md := Extract(r)
	assert.Equal(t, "FR", md.Country, "platform context wins over header")
	assert.Equal(t, "Paris", md.City)
	assert.Equal(t, "t13d1516h2_platform", md.JA4)
	require.NotNil(t, md.ASN)
	assert.Equal(t, 13335, *md.ASN)
	require.NotNil(t, md.ClientTCPRTT)
	assert.Equal(t, 42, *md.ClientTCPRTT)
	require.NotNil(t, md.BotScore)
	assert.Equal(t, 12, *md.BotScore)
	require.NotNil(t, md.JA4Signals)
	require.NotNil(t, md.JA4Signals.IPsQuantile1h)
	assert.InDelta(t, 0.97, *md.JA4Signals.IPsQuantile1h, 1e-9)
}

func TestExtractHeaderFallbacksWithoutPlatformContext(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	r.Header.Set("cf-ipcountry", "DE")
	r.Header.Set("x-ja4", "t13d1516h2_fallback")
	r.Header.Set("x-asn", "24940")

	md := Extract(r)
	assert.Equal(t, "DE", md.Country)
	assert.Equal(t, "t13d1516h2_fallback", md.JA4)
	require.NotNil(t, md.ASN)
	assert.Equal(t, 24940, *md.ASN)
	assert.Nil(t, md.ClientTCPRTT, "missing numerics stay absent")
	assert.Nil(t, md.BotScore)
}

func TestClientHintsAndFetchMetadata(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("sec-ch-ua", `"Chromium";v="124"`)
	r.Header.Set("sec-ch-ua-mobile", "?1")
	r.Header.Set("sec-ch-ua-platform", `"Android"`)
	r.Header.Set("sec-fetch-site", "same-origin")
	r.Header.Set("sec-fetch-mode", "cors")

	md := Extract(r)
	assert.Equal(t, `"Chromium";v="124"`, md.SecChUA)
	assert.Equal(t, "?1", md.SecChUAMobile)
	assert.Equal(t, "Android", md.SecChUAPlatform)
	assert.Equal(t, "same-origin", md.SecFetchSite)
	assert.Equal(t, "cors", md.SecFetchMode)
}

func TestClaimsMobile(t *testing.T) {
	md := &RequestMetadata{SecChUAMobile: "?1"}
	assert.True(t, md.ClaimsMobile())

	md = &RequestMetadata{UserAgent: "Mozilla/5.0 (Linux; Android 14) Mobile Safari"}
	assert.True(t, md.ClaimsMobile())

	md = &RequestMetadata{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", SecChUAMobile: "?0"}
	assert.False(t, md.ClaimsMobile())
}

func TestIsMobileDevice(t *testing.T) {
	assert.True(t, (&RequestMetadata{DeviceType: "mobile"}).IsMobileDevice())
	assert.True(t, (&RequestMetadata{DeviceType: "Mobile"}).IsMobileDevice())
	assert.False(t, (&RequestMetadata{DeviceType: "desktop"}).IsMobileDevice())
	assert.False(t, (&RequestMetadata{}).IsMobileDevice())
}

func TestPlatformContextFromHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(EdgeContextHeader, `{"country":"NL","clientTcpRtt":18,"botManagement":{"score":3,"ja4":"t13d"}}`)

	pc := PlatformContextFromHeader(r)
	require.NotNil(t, pc)
	assert.Equal(t, "NL", pc.Country)
	require.NotNil(t, pc.ClientTCPRTT)
	assert.Equal(t, 18, *pc.ClientTCPRTT)
	require.NotNil(t, pc.BotManagement)
	assert.Equal(t, "t13d", pc.BotManagement.JA4)

	r2 := httptest.NewRequest("POST", "/", nil)
	r2.Header.Set(EdgeContextHeader, `{not json`)
	assert.Nil(t, PlatformContextFromHeader(r2), "malformed context degrades to nil")
}

func f64(v float64) *float64 { return &v }
