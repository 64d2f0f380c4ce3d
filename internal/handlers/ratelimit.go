package handlers

import "golang.org/x/time/rate"

// bridgeRateLimit is the sustained number of inbound frames allowed per
// second per WebSocket connection. Frames beyond it are dropped.
const bridgeRateLimit = 200

// bridgeRateBurst lets short bursts such as pastes through before limiting.
const bridgeRateBurst = 200

// newFrameLimiter returns the per-connection inbound frame limiter.
func newFrameLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bridgeRateLimit), bridgeRateBurst)
}
