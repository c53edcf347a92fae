package authclient

import (
	"net/url"
	"strings"
)

// sameOriginPath reduces raw to a path that is safe to redirect to after
// login. Relative paths are kept; absolute URLs only when they point at host.
// Protocol-relative and foreign URLs are rejected.
func sameOriginPath(raw, host string) (string, bool) {
	if raw == "" || strings.ContainsAny(raw, "\\\r\n") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	if u.Scheme != "" || u.Host != "" {
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host != host {
			return "", false
		}
	} else if !strings.HasPrefix(raw, "/") {
		return "", false
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if strings.HasPrefix(target, "//") {
		return "", false
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		target += "#" + u.EscapedFragment()
	}
	return target, true
}
