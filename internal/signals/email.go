package signals

import (
	"context"
	"fmt"
	"strconv"

	"github.com/erf/formgate/internal/emailrep"
	"github.com/erf/formgate/internal/metadata"
)

// CollectEmail asks the reputation service about the address and scales its
// verdict to the 0–100 component range. Upstream failure yields an absent
// signal, never an error.
func (c *Collectors) CollectEmail(ctx context.Context, email string, md *metadata.RequestMetadata) EmailSignal {
	if c.emailRep == nil || email == "" {
		return EmailSignal{Present: false}
	}

	v, err := c.emailRep.Validate(ctx, email, reputationHeaders(md))
	if err != nil {
		c.logger.Printf("⚠️  Email reputation unavailable (email=%s…): %v",
			emailrep.HashEmail(email)[:12], err)
		return EmailSignal{
			Present:  false,
			Warnings: []string{"email reputation service unavailable"},
		}
	}

	sig := EmailSignal{
		Present:   true,
		Valid:     v.Valid,
		RiskScore: v.RiskScore * 100,
		Decision:  v.Decision,
		Signals:   v.Signals,
	}
	switch v.Decision {
	case emailrep.DecisionWarn:
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("email reputation warn (risk %.0f/100)", sig.RiskScore))
	case emailrep.DecisionBlock:
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("email reputation block (risk %.0f/100)", sig.RiskScore))
	}
	return sig
}

// reputationHeaders curates the request context forwarded to the reputation
// service: geography, network provenance, bot-management scores, and client
// hints. Absent fields are omitted rather than zeroed.
func reputationHeaders(md *metadata.RequestMetadata) map[string]string {
	if md == nil {
		return nil
	}
	h := map[string]string{}
	put := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}

	put("remote-ip", md.RemoteIP)
	put("country", md.Country)
	put("region", md.Region)
	put("city", md.City)
	put("postal-code", md.PostalCode)
	put("timezone", md.Timezone)
	put("continent", md.Continent)
	if md.IsEUCountry {
		h["is-eu-country"] = "true"
	}

	if md.ASN != nil {
		h["asn"] = strconv.Itoa(*md.ASN)
	}
	put("as-organization", md.ASOrganization)
	put("colo", md.Colo)
	put("http-protocol", md.HTTPProtocol)
	put("tls-version", md.TLSVersion)
	put("tls-cipher", md.TLSCipher)
	if md.ClientTCPRTT != nil {
		h["client-tcp-rtt"] = strconv.Itoa(*md.ClientTCPRTT)
	}

	if md.BotScore != nil {
		h["bot-score"] = strconv.Itoa(*md.BotScore)
	}
	if md.ClientTrustScore != nil {
		h["client-trust-score"] = strconv.Itoa(*md.ClientTrustScore)
	}
	if md.VerifiedBot {
		h["verified-bot"] = "true"
	}
	if md.JSDetectionPassed {
		h["js-detection-passed"] = "true"
	}
	put("ja3-hash", md.JA3Hash)
	put("ja4", md.JA4)
	put("device-type", md.DeviceType)

	put("sec-ch-ua", md.SecChUA)
	put("sec-ch-ua-mobile", md.SecChUAMobile)
	put("sec-ch-ua-platform", md.SecChUAPlatform)
	put("user-agent", md.UserAgent)

	return h
}
