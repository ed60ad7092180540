// Package metadata turns an inbound HTTP request into the typed record the
// signal collectors and the persistence layer consume. The edge proxy may
// supply a per-request platform context (geo, network, bot management);
// header fallbacks cover deployments without it.
package metadata

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RequestMetadata is the full per-request identity snapshot. Numeric fields
// are pointers: absent is not zero.
type RequestMetadata struct {
	// Request basics.
	Method string `json:"method"`
	Path   string `json:"path"`
	Host   string `json:"host"`

	// RemoteIP is never empty; extraction falls back to "0.0.0.0".
	RemoteIP string `json:"remoteIp"`

	// Geography.
	Country     string   `json:"country,omitempty"`
	Region      string   `json:"region,omitempty"`
	City        string   `json:"city,omitempty"`
	PostalCode  string   `json:"postalCode,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Continent   string   `json:"continent,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	IsEUCountry bool     `json:"isEUCountry,omitempty"`

	// Network and TLS.
	ASN                     *int   `json:"asn,omitempty"`
	ASOrganization          string `json:"asOrganization,omitempty"`
	Colo                    string `json:"colo,omitempty"`
	HTTPProtocol            string `json:"httpProtocol,omitempty"`
	TLSVersion              string `json:"tlsVersion,omitempty"`
	TLSCipher               string `json:"tlsCipher,omitempty"`
	ClientTCPRTT            *int   `json:"clientTcpRtt,omitempty"`
	TLSClientHelloLength    *int   `json:"tlsClientHelloLength,omitempty"`
	TLSClientExtensionsSHA1 string `json:"tlsClientExtensionsSha1,omitempty"`
	TLSClientRandom         string `json:"tlsClientRandom,omitempty"`

	// Bot management.
	BotScore          *int        `json:"botScore,omitempty"`
	ClientTrustScore  *int        `json:"clientTrustScore,omitempty"`
	VerifiedBot       bool        `json:"verifiedBot,omitempty"`
	JSDetectionPassed bool        `json:"jsDetectionPassed,omitempty"`
	DetectionIDs      []string    `json:"detectionIds,omitempty"`
	DeviceType        string      `json:"deviceType,omitempty"`
	JA3Hash           string      `json:"ja3Hash,omitempty"`
	JA4               string      `json:"ja4,omitempty"`
	JA4Signals        *JA4Signals `json:"ja4Signals,omitempty"`

	// Client Hints.
	SecChUA            string `json:"secChUa,omitempty"`
	SecChUAMobile      string `json:"secChUaMobile,omitempty"`
	SecChUAPlatform    string `json:"secChUaPlatform,omitempty"`
	SecChUAModel       string `json:"secChUaModel,omitempty"`
	SecChUAFullVersion string `json:"secChUaFullVersion,omitempty"`
	SecChUAArch        string `json:"secChUaArch,omitempty"`

	// Fetch Metadata.
	SecFetchSite string `json:"secFetchSite,omitempty"`
	SecFetchMode string `json:"secFetchMode,omitempty"`
	SecFetchDest string `json:"secFetchDest,omitempty"`
	SecFetchUser string `json:"secFetchUser,omitempty"`

	UserAgent string `json:"userAgent,omitempty"`

	// Headers is the snapshot (lowercase keys) minus cookie/authorization.
	Headers map[string]string `json:"headers"`

	// HeaderFingerprint is the FNV-1a hash of the sorted snapshot.
	HeaderFingerprint string `json:"headerFingerprint"`

	ExtractedAt time.Time `json:"extractedAt"`
}

// JA4Signals is the upstream-provided vector of global quantile statistics
// for a JA4 fingerprint.
type JA4Signals struct {
	IPsQuantile1h    *float64 `json:"ips_quantile_1h,omitempty"`
	IPsRank1h        *float64 `json:"ips_rank_1h,omitempty"`
	ReqsQuantile1h   *float64 `json:"reqs_quantile_1h,omitempty"`
	ReqsRank1h       *float64 `json:"reqs_rank_1h,omitempty"`
	UAsRank1h        *float64 `json:"uas_rank_1h,omitempty"`
	BrowserRatio1h   *float64 `json:"browser_ratio_1h,omitempty"`
	H2H3Ratio1h      *float64 `json:"h2h3_ratio_1h,omitempty"`
	HeuristicRatio1h *float64 `json:"heuristic_ratio_1h,omitempty"`
	PathsRank1h      *float64 `json:"paths_rank_1h,omitempty"`
	CacheRatio1h     *float64 `json:"cache_ratio_1h,omitempty"`
}

// Extract builds the metadata record for a request. Platform context placed
// on the request context (see WithPlatformContext) wins over header
// fallbacks.
func Extract(r *http.Request) *RequestMetadata {
	md := &RequestMetadata{
		Method:      r.Method,
		Path:        r.URL.Path,
		Host:        r.Host,
		RemoteIP:    ClientIP(r),
		UserAgent:   r.UserAgent(),
		ExtractedAt: time.Now().UTC(),
	}

	md.SecChUA = r.Header.Get("sec-ch-ua")
	md.SecChUAMobile = r.Header.Get("sec-ch-ua-mobile")
	md.SecChUAPlatform = strings.Trim(r.Header.Get("sec-ch-ua-platform"), `"`)
	md.SecChUAModel = strings.Trim(r.Header.Get("sec-ch-ua-model"), `"`)
	md.SecChUAFullVersion = strings.Trim(r.Header.Get("sec-ch-ua-full-version"), `"`)
	md.SecChUAArch = strings.Trim(r.Header.Get("sec-ch-ua-arch"), `"`)

	md.SecFetchSite = r.Header.Get("sec-fetch-site")
	md.SecFetchMode = r.Header.Get("sec-fetch-mode")
	md.SecFetchDest = r.Header.Get("sec-fetch-dest")
	md.SecFetchUser = r.Header.Get("sec-fetch-user")

	applyHeaderFallbacks(md, r)
	if pc := PlatformContextFrom(r.Context()); pc != nil {
		applyPlatformContext(md, pc)
	}

	md.Headers = Snapshot(r.Header)
	md.HeaderFingerprint = Fingerprint(md.Headers)
	return md
}

// ClientIP resolves the canonical client IP. Precedence:
// cf-connecting-ip, x-real-ip, first x-forwarded-for entry, then "0.0.0.0".
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("cf-connecting-ip")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("x-real-ip")); v != "" {
		return v
	}
	if xff := r.Header.Get("x-forwarded-for"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	return "0.0.0.0"
}

// applyHeaderFallbacks fills fields that edge proxies commonly forward as
// plain headers. Platform context overwrites these afterwards.
func applyHeaderFallbacks(md *RequestMetadata, r *http.Request) {
	if v := r.Header.Get("cf-ipcountry"); v != "" && v != "XX" {
		md.Country = v
	}
	if v := r.Header.Get("x-timezone"); v != "" {
		md.Timezone = v
	}
	if v := r.Header.Get("x-ja4"); v != "" {
		md.JA4 = v
	}
	if v := r.Header.Get("x-asn"); v != "" {
		if asn, err := strconv.Atoi(v); err == nil {
			md.ASN = &asn
		}
	}
}

func applyPlatformContext(md *RequestMetadata, pc *PlatformContext) {
	if pc.Country != "" {
		md.Country = pc.Country
	}
	if pc.Region != "" {
		md.Region = pc.Region
	}
	if pc.City != "" {
		md.City = pc.City
	}
	if pc.PostalCode != "" {
		md.PostalCode = pc.PostalCode
	}
	if pc.Timezone != "" {
		md.Timezone = pc.Timezone
	}
	if pc.Continent != "" {
		md.Continent = pc.Continent
	}
	if pc.Latitude != nil {
		md.Latitude = pc.Latitude
	}
	if pc.Longitude != nil {
		md.Longitude = pc.Longitude
	}
	md.IsEUCountry = md.IsEUCountry || pc.IsEUCountry

	if pc.ASN != nil {
		md.ASN = pc.ASN
	}
	if pc.ASOrganization != "" {
		md.ASOrganization = pc.ASOrganization
	}
	if pc.Colo != "" {
		md.Colo = pc.Colo
	}
	if pc.HTTPProtocol != "" {
		md.HTTPProtocol = pc.HTTPProtocol
	}
	if pc.TLSVersion != "" {
		md.TLSVersion = pc.TLSVersion
	}
	if pc.TLSCipher != "" {
		md.TLSCipher = pc.TLSCipher
	}
	if pc.ClientTCPRTT != nil {
		md.ClientTCPRTT = pc.ClientTCPRTT
	}
	if pc.TLSClientHelloLength != nil {
		md.TLSClientHelloLength = pc.TLSClientHelloLength
	}
	if pc.TLSClientExtensionsSHA1 != "" {
		md.TLSClientExtensionsSHA1 = pc.TLSClientExtensionsSHA1
	}
	if pc.TLSClientRandom != "" {
		md.TLSClientRandom = pc.TLSClientRandom
	}
	if pc.ClientTrustScore != nil {
		md.ClientTrustScore = pc.ClientTrustScore
	}
	if pc.DeviceType != "" {
		md.DeviceType = pc.DeviceType
	}

	if bm := pc.BotManagement; bm != nil {
		if bm.Score != nil {
			md.BotScore = bm.Score
		}
		md.VerifiedBot = bm.VerifiedBot
		md.JSDetectionPassed = bm.JSDetection.Passed
		if len(bm.DetectionIDs) > 0 {
			md.DetectionIDs = bm.DetectionIDs
		}
		if bm.JA3Hash != "" {
			md.JA3Hash = bm.JA3Hash
		}
		if bm.JA4 != "" {
			md.JA4 = bm.JA4
		}
		if bm.JA4Signals != nil {
			md.JA4Signals = bm.JA4Signals
		}
	}
}

// ClaimsMobile reports whether the client presents itself as a mobile
// device via Client Hints or the user agent.
func (md *RequestMetadata) ClaimsMobile() bool {
	if md.SecChUAMobile == "?1" {
		return true
	}
	ua := strings.ToLower(md.UserAgent)
	for _, marker := range []string{"android", "iphone", "ipad", "mobile"} {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// IsMobileDevice reports whether bot management classified the device as
// actually mobile.
func (md *RequestMetadata) IsMobileDevice() bool {
	return strings.EqualFold(md.DeviceType, "mobile")
}
