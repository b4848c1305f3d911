package probe

import (
	"github.com/golang-jwt/jwt/v5"
)

// ParseJWTClaims base64url-decodes a JWT's payload without checking its
// signature. The token is only ever used here as an opaque identity carrier
// plus a plan-type hint, never for an auth decision, so skipping signature
// verification is intentional rather than a shortcut.
func ParseJWTClaims(token string) (jwt.MapClaims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ClaimIdentity pulls an identity string out of already-parsed claims using
// the well-known claim keys, returning "" if none are present or non-empty.
func ClaimIdentity(claims jwt.MapClaims) string {
	for _, key := range WellKnownClaimKeys {
		if v, ok := claims[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// ResolveIdentity implements the full identity-resolution order from
// spec §4.2.B: (1) recursive email scan of the usage payload, (2) well-known
// claim keys on a pre-decoded profile map, (3) nested profile claim inside
// that same map, (4) access-token JWT claims, (5) companion id-token JWT
// claims, (6) accountID as the non-empty last resort.
func ResolveIdentity(usagePayload interface{}, profile RawObject, accessToken, companionIDToken, accountID string) string {
	if email, ok := FindFirstEmail(usagePayload); ok {
		return email
	}
	if profile != nil {
		if id := profile.FirstString(WellKnownClaimKeys...); id != "" {
			return id
		}
		if nested, ok := profile["profile"].(map[string]interface{}); ok {
			if id := RawObject(nested).FirstString(WellKnownClaimKeys...); id != "" {
				return id
			}
		}
	}
	if accessToken != "" {
		if claims, err := ParseJWTClaims(accessToken); err == nil {
			if id := ClaimIdentity(claims); id != "" {
				return id
			}
		}
	}
	if companionIDToken != "" {
		if claims, err := ParseJWTClaims(companionIDToken); err == nil {
			if id := ClaimIdentity(claims); id != "" {
				return id
			}
		}
	}
	return accountID
}
