package server

import (
	"net"
	"net/http"
	"strings"
)

// The study backend usually sits behind a load balancer or CDN, so
// RemoteAddr is the proxy. clientIP recovers the participant's address
// from the forwarding headers.

func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP returns, in order of preference:
//  1. the first public address in X-Forwarded-For
//  2. the address in CloudFront-Viewer-Address (port stripped)
//  3. RemoteAddr, when it is public
//
// It returns "" when none qualifies; the record then carries no IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	// "203.0.113.55:44321" or "2404:6800:4004::200e:44321"
	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String()
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String()
		}
	}
	return ""
}
