// Package clientkey derives the subjects rate limits are keyed by: a network
// fingerprint for anonymous traffic and a normalized email for identity-scoped
// limits.
package clientkey

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// MaxFingerprintLen bounds fingerprint size so store keys stay small.
	MaxFingerprintLen = 128
	// maxIPLen is longer than any textual IPv6 address; longer forwarded
	// values are hashed so the user agent part always survives.
	maxIPLen = 64

	fallbackIP = "127.0.0.1"
	unknownUA  = "unknown"
)

// Resolver extracts client addresses and fingerprints. With no Trusted set,
// forwarded headers are always honored; with one, only from trusted peers.
type Resolver struct {
	Trusted *TrustedProxies
}

// ClientIP picks, in order: first X-Forwarded-For entry, X-Real-IP, the peer
// address, then a loopback placeholder.
func (r Resolver) ClientIP(req *http.Request) string {
	peer := peerAddr(req.RemoteAddr)

	if r.Trusted == nil || r.Trusted.Contains(peer) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	if peer.IsValid() {
		return peer.Unmap().String()
	}
	return fallbackIP
}

// Fingerprint is the client IP joined with a hash of the user agent.
func (r Resolver) Fingerprint(req *http.Request) string {
	ua := strings.TrimSpace(req.UserAgent())
	if ua == "" {
		ua = unknownUA
	}
	ip := r.ClientIP(req)
	if len(ip) > maxIPLen {
		ip = "h:" + strconv.FormatUint(xxhash.Sum64String(ip), 36)
	}
	return ip + "|" + strconv.FormatUint(xxhash.Sum64String(ua), 36)
}

func peerAddr(remoteAddr string) netip.Addr {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}
