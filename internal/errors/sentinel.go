package errors

// Sentinel errors shared by the pipeline components. Components wrap these
// with Wrapf so callers can test with Is and still read a specific message.
var (
	ErrRouteNotFound         = New(KindNotFound, "route not found")
	ErrTableExhausted        = New(KindResourceExhausted, "connection table exhausted")
	ErrPortPoolExhausted     = New(KindResourceExhausted, "nat port pool exhausted")
	ErrRuleConflict          = New(KindConflict, "nat rule conflict")
	ErrProtocolViolation     = New(KindProtocolViolation, "malformed packet")
	ErrPeerNotEstablished    = New(KindUnavailable, "vpn peer not established")
	ErrAuthenticationFailure = New(KindCrypto, "vpn authentication failure")
	ErrHandshakeTimeout      = New(KindTimeout, "vpn handshake timeout")
	ErrUnknownPeer           = New(KindNotFound, "vpn peer not found")
	ErrUnknownInterface      = New(KindNotFound, "vpn interface not found")
	ErrTunnelSource          = New(KindValidation, "tunnel source address not allowed for peer")
	ErrNoTunnelPeer          = New(KindNotFound, "no tunnel peer for destination")
)

// Reason maps an error onto the short label used for drop counters.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrRouteNotFound):
		return "no_route"
	case Is(err, ErrTableExhausted):
		return "conntrack_full"
	case Is(err, ErrPortPoolExhausted):
		return "nat_pool_exhausted"
	case Is(err, ErrPeerNotEstablished):
		return "peer_not_established"
	case Is(err, ErrAuthenticationFailure):
		return "auth_failure"
	case Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case Is(err, ErrTunnelSource):
		return "tunnel_source"
	case Is(err, ErrNoTunnelPeer), Is(err, ErrUnknownPeer):
		return "no_tunnel_peer"
	}
	return GetKind(err).String()
}
