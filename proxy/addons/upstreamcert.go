package addons

import "github.com/anime-games-proxy/agproxy/proxy"

// UpstreamCertAddon selects how intercepted tunnels are set up. With
// UpstreamCert the upstream is dialed before the client handshake so its
// certificate details and ALPN choice can be mirrored; otherwise the client
// handshake completes first and the upstream is dialed only when a request
// needs it, which lets redirected requests skip the original host entirely.
type UpstreamCertAddon struct {
	proxy.BaseAddon
	UpstreamCert bool
}

func NewUpstreamCertAddon(upstreamCert bool) *UpstreamCertAddon {
	return &UpstreamCertAddon{UpstreamCert: upstreamCert}
}

func (adn *UpstreamCertAddon) ClientConnected(conn *proxy.ClientConn) {
	conn.UpstreamCert = adn.UpstreamCert
}
