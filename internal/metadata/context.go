package metadata

import (
	"context"
	"encoding/json"
	"net/http"
)

// PlatformContext is the per-request context a trusted edge integration
// supplies (geo, network, bot management). It takes precedence over header
// fallbacks during extraction.
type PlatformContext struct {
	Country     string   `json:"country,omitempty"`
	Region      string   `json:"region,omitempty"`
	City        string   `json:"city,omitempty"`
	PostalCode  string   `json:"postalCode,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Continent   string   `json:"continent,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	IsEUCountry bool     `json:"isEUCountry,omitempty"`

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

	ClientTrustScore *int           `json:"clientTrustScore,omitempty"`
	DeviceType       string         `json:"deviceType,omitempty"`
	BotManagement    *BotManagement `json:"botManagement,omitempty"`
}

// BotManagement mirrors the edge bot-scoring payload.
type BotManagement struct {
	Score        *int        `json:"score,omitempty"`
	VerifiedBot  bool        `json:"verifiedBot,omitempty"`
	JSDetection  JSDet       `json:"jsDetection"`
	DetectionIDs []string    `json:"detectionIds,omitempty"`
	JA3Hash      string      `json:"ja3Hash,omitempty"`
	JA4          string      `json:"ja4,omitempty"`
	JA4Signals   *JA4Signals `json:"ja4Signals,omitempty"`
}

// JSDet carries the JS challenge outcome.
type JSDet struct {
	Passed bool `json:"passed"`
}

type platformCtxKey struct{}

// WithPlatformContext returns a context carrying the edge platform context.
func WithPlatformContext(ctx context.Context, pc *PlatformContext) context.Context {
	return context.WithValue(ctx, platformCtxKey{}, pc)
}

// PlatformContextFrom extracts the platform context, or nil.
func PlatformContextFrom(ctx context.Context) *PlatformContext {
	pc, _ := ctx.Value(platformCtxKey{}).(*PlatformContext)
	return pc
}

// EdgeContextHeader is the trusted header the edge integration uses to pass
// the platform context as JSON. Deployments without a trusted edge in front
// must strip it upstream; this service treats it as authoritative.
const EdgeContextHeader = "X-Edge-Context"

// PlatformContextFromHeader decodes the edge context header, returning nil
// when absent or malformed (malformed context degrades to header fallbacks).
func PlatformContextFromHeader(r *http.Request) *PlatformContext {
	raw := r.Header.Get(EdgeContextHeader)
	if raw == "" {
		return nil
	}
	var pc PlatformContext
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return nil
	}
	return &pc
}
