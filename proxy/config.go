package proxy

// DefaultStreamLargeBodies is the body size from which flows are streamed
// instead of buffered.
const DefaultStreamLargeBodies = 1024 * 1024 * 5

// Config holds the proxy configuration settings.
type Config struct {
	// Addr is the listen address. A bare ":port" binds all interfaces.
	Addr string
	// StreamLargeBodies switches a flow to streaming once a body reaches
	// this many bytes. Zero means DefaultStreamLargeBodies.
	StreamLargeBodies int64
	// SslInsecure skips upstream certificate verification.
	SslInsecure bool
	// Upstream is an optional http, https or socks5 upstream proxy URL.
	Upstream string
	// ClientFactory overrides how upstream HTTP clients are built.
	ClientFactory ClientFactory
}

// NewConfig creates a Config listening on addr with default settings.
func NewConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		StreamLargeBodies: DefaultStreamLargeBodies,
	}
}

func (c Config) streamLargeBodies() int64 {
	if c.StreamLargeBodies <= 0 {
		return DefaultStreamLargeBodies
	}
	return c.StreamLargeBodies
}
