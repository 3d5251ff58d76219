package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotHTTP is returned for URLs that are not absolute http or https URLs.
var ErrNotHTTP = errors.New("url must be an absolute http or https url")

func parseHTTP(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, ErrNotHTTP
	}
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

// Canonicalize parses a raw URL string and returns its canonical form.
// Scheme and host are lowercased, default ports and fragments are removed,
// and a trailing slash is trimmed unless the path is the root.
func Canonicalize(rawURL string) (string, error) {
	u, err := parseHTTP(rawURL)
	if err != nil {
		return "", err
	}

	if (u.Scheme == "http" && u.Port() == "80") || (u.Scheme == "https" && u.Port() == "443") {
		u.Host = hostOnly(u)
	}
	u.Fragment = ""
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// Origin returns the scheme://host:port key of a URL, always with an
// explicit port, so that http://a and http://a:80 share one key.
func Origin(rawURL string) (string, error) {
	u, err := parseHTTP(rawURL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return u.Scheme + "://" + hostOnly(u) + ":" + port, nil
}

// hostOnly returns the hostname, keeping brackets around IPv6 literals.
func hostOnly(u *url.URL) string {
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}
