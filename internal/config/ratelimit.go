package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"sicalgate/internal/ratelimit"
	"sicalgate/internal/sign"
)

// SignedPolicy is the on-disk rate-limit artifact. The signature covers the
// canonical JSON of Config under the process secret; a file that does not
// verify is discarded wholesale.
type SignedPolicy struct {
	Signature   string           `json:"signature"`
	Config      ratelimit.Policy `json:"config"`
	GeneratedAt string           `json:"generated_at"`
}

// DefaultRateLimitPolicy is the hard-coded fallback: 15 operations per hour,
// 30 per day, business hours 07:00-19:00 Europe/Madrid.
func DefaultRateLimitPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		Windows: []ratelimit.Window{
			{MaxOperations: 15, TimeWindowSeconds: 3600, Name: "hourly_limit"},
			{MaxOperations: 30, TimeWindowSeconds: 86400, Name: "daily_limit"},
		},
		BusinessHours: &ratelimit.BusinessHours{
			StartHour: 7,
			EndHour:   19,
			Timezone:  "Europe/Madrid",
		},
	}
}

// LoadRateLimitPolicy reads and verifies the signed artifact at path. It
// never fails: a missing file, unparseable content, invalid structure or a
// bad signature all degrade to the hard-coded defaults with a security
// warning; tampering must never crash the service.
func LoadRateLimitPolicy(path string, secret []byte, logger *log.Logger) ratelimit.Policy {
	if logger == nil {
		logger = log.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("rate limit config %s not found, using defaults", path)
		} else {
			logger.Printf("SECURITY: cannot read rate limit config %s: %v, using defaults", path, err)
		}
		return DefaultRateLimitPolicy()
	}
	policy, err := verifyPolicy(data, secret)
	if err != nil {
		logger.Printf("SECURITY: rejecting rate limit config %s: %v, using defaults", path, err)
		return DefaultRateLimitPolicy()
	}
	logger.Printf("loaded signed rate limit config from %s (%d windows)", path, len(policy.Windows))
	return policy
}

func verifyPolicy(data, secret []byte) (ratelimit.Policy, error) {
	var artifact SignedPolicy
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ratelimit.Policy{}, fmt.Errorf("parse artifact: %w", err)
	}
	payload, err := sign.CanonicalJSON(artifact.Config)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	if !sign.Equal(sign.HMACHex(secret, payload), artifact.Signature) {
		return ratelimit.Policy{}, fmt.Errorf("signature verification failed")
	}
	if err := artifact.Config.Validate(); err != nil {
		return ratelimit.Policy{}, fmt.Errorf("signed config invalid: %w", err)
	}
	return artifact.Config, nil
}

// SignRateLimitPolicy produces a signed artifact for policy.
func SignRateLimitPolicy(policy ratelimit.Policy, secret []byte, now time.Time) ([]byte, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	payload, err := sign.CanonicalJSON(policy)
	if err != nil {
		return nil, err
	}
	artifact := SignedPolicy{
		Signature:   sign.HMACHex(secret, payload),
		Config:      policy,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
	return json.MarshalIndent(artifact, "", "  ")
}
