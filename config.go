package senka

// DefaultOutboundPermits bounds concurrent outbound sends per manager.
// Every outbound path (update fan-out, bootstrap push, sync queries and
// replies) holds one permit for the duration of the transport send.
const DefaultOutboundPermits = 4

const defaultTag = "senka.meta"

type Config struct {
	// Tag is the transport message tag the manager binds to.
	Tag string

	// OutboundPermits overrides DefaultOutboundPermits.
	OutboundPermits int

	// WireVersion is the cluster's negotiated payload layout.
	// Zero means WireVersion1.
	WireVersion uint8
}

func (c *Config) FillDefaults() {
	if c.Tag == "" {
		c.Tag = defaultTag
	}
	if c.OutboundPermits <= 0 {
		c.OutboundPermits = DefaultOutboundPermits
	}
	if c.WireVersion == 0 {
		c.WireVersion = WireVersion1
	}
}
