package gate

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/yl2chen/cidranger"
)

// AddrResolver maps the raw peer address of a request to the logical client
// address used for throttling.
type AddrResolver interface {
	Resolve(remoteAddr string, h http.Header) (netip.AddrPort, error)
}

func parsePeer(remoteAddr string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("unable to parse remote address %q: %w", remoteAddr, err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// DirectResolver trusts only the TCP peer.
type DirectResolver struct{}

func (DirectResolver) Resolve(remoteAddr string, _ http.Header) (netip.AddrPort, error) {
	return parsePeer(remoteAddr)
}

// ProxyResolver honours X-Real-IP and X-Forwarded-For only when the TCP peer
// is inside one of the trusted proxy ranges.
type ProxyResolver struct {
	trusted cidranger.Ranger
}

func NewProxyResolver(cidrs []string) (*ProxyResolver, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("unable to parse trusted proxy range %q: %w", c, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("unable to register trusted proxy range %q: %w", c, err)
		}
	}
	return &ProxyResolver{trusted: ranger}, nil
}

func (p *ProxyResolver) isTrusted(a netip.Addr) bool {
	ok, err := p.trusted.Contains(net.IP(a.AsSlice()))
	return err == nil && ok
}

func (p *ProxyResolver) Resolve(remoteAddr string, h http.Header) (netip.AddrPort, error) {
	peer, err := parsePeer(remoteAddr)
	if err != nil {
		return peer, err
	}
	if !p.isTrusted(peer.Addr()) {
		return peer, nil
	}

	if a, err := netip.ParseAddr(strings.TrimSpace(h.Get("X-Real-IP"))); err == nil {
		return netip.AddrPortFrom(a.Unmap(), peer.Port()), nil
	}

	// right-most entry that is not one of our proxies
	hops := strings.Split(h.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		a = a.Unmap()
		if !p.isTrusted(a) {
			return netip.AddrPortFrom(a, peer.Port()), nil
		}
	}
	return peer, nil
}

// HeaderResolver takes the client address from a single header set by a
// fronting proxy (for example CF-Connecting-IP) and falls back to the peer.
type HeaderResolver struct {
	Header string
}

func (r HeaderResolver) Resolve(remoteAddr string, h http.Header) (netip.AddrPort, error) {
	peer, err := parsePeer(remoteAddr)
	if err != nil {
		return peer, err
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(h.Get(r.Header))); err == nil {
		return netip.AddrPortFrom(a.Unmap(), peer.Port()), nil
	}
	return peer, nil
}
