package posterart

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://openrouter.ai"

var defaultAllowedHosts = map[string]struct{}{
	"openrouter.ai":     {},
	"api.openrouter.ai": {},
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// ValidateBaseURL checks OPENROUTER_BASE_URL: https, no userinfo, query or
// fragment, and a host from allowedHosts (openrouter.ai by default).
func ValidateBaseURL(baseURL string, allowedHosts []string) error {
	baseURL = normalizeBaseURL(baseURL)

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL %q: absolute URL with host is required", baseURL)
	}
	if u.User != nil {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL %q: userinfo is not allowed", baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL %q: query and fragment are not allowed", baseURL)
	}
	if strings.ToLower(u.Scheme) != "https" {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL %q: https is required", baseURL)
	}

	host := strings.ToLower(u.Hostname())
	if _, ok := normalizeAllowedHosts(allowedHosts)[host]; !ok {
		return fmt.Errorf("invalid OPENROUTER_BASE_URL %q: host %q is not in OPENROUTER_ALLOWED_HOSTS", baseURL, host)
	}
	return nil
}

func normalizeAllowedHosts(allowedHosts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		if v != "" {
			out[v] = struct{}{}
		}
	}
	if len(out) == 0 {
		return defaultAllowedHosts
	}
	return out
}
