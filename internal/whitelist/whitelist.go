// Package whitelist implements the Whitelist Validator (§4.3): OR semantics
// across rules evaluated in descending priority, first match admits.
package whitelist

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wudi/karateway/internal/model"
)

// Validate evaluates rules (already sorted descending by priority by the
// Config Snapshot) against req and clientIP. An empty rule list admits.
func Validate(rules []model.WhitelistRule, req *http.Request, clientIP string) (allowed bool, matchedRule string) {
	if len(rules) == 0 {
		return true, ""
	}

	for _, rule := range rules {
		if matchRule(rule, req, clientIP) {
			return true, rule.RuleName
		}
	}
	return false, ""
}

func matchRule(rule model.WhitelistRule, req *http.Request, clientIP string) bool {
	switch rule.RuleType {
	case "ip":
		return matchIPRule(rule, clientIP)
	case "api_key":
		return matchAPIKeyRule(rule, req)
	case "jwt":
		return matchJWTRule(req)
	case "custom":
		// Reserved; currently always denies (§4.3).
		return false
	default:
		return false
	}
}

type ipRuleConfig struct {
	AllowedIPs []string `json:"allowed_ips"`
}

func matchIPRule(rule model.WhitelistRule, clientIP string) bool {
	var cfg ipRuleConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return false
	}
	for _, allowed := range cfg.AllowedIPs {
		if ipMatches(allowed, clientIP) {
			return true
		}
	}
	return false
}

// ipMatches compares clientIP against pattern. CIDR patterns (a.b.c.d/n)
// have their prefix length stripped and the address compared literally —
// this is a literal match, not subnet containment.
func ipMatches(pattern, clientIP string) bool {
	if idx := strings.Index(pattern, "/"); idx >= 0 {
		pattern = pattern[:idx]
	}
	return pattern == clientIP
}

type apiKeyRuleConfig struct {
	AllowedKeys []string `json:"allowed_keys"`
}

func matchAPIKeyRule(rule model.WhitelistRule, req *http.Request) bool {
	key := req.Header.Get("X-API-Key")
	if key == "" {
		return false
	}
	var cfg apiKeyRuleConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return false
	}
	for _, allowed := range cfg.AllowedKeys {
		if allowed == key {
			return true
		}
	}
	return false
}

// matchJWTRule checks only the structural shape of a bearer token — three
// dot-separated parts, no decoding or verification of any of them.
func matchJWTRule(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return len(strings.Split(token, ".")) == 3
}

// ClientIP extracts the rate-limit/whitelist identifier IP per §4.5: the
// first comma-separated value of X-Forwarded-For if present, else the peer
// socket IP (not the port).
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	host := req.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}
