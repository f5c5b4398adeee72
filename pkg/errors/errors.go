package apperrors

import "errors"

// Standardized Broker/Feed Errors
var (
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMarketClosed         = errors.New("outside market hours")
	ErrQueueFull            = errors.New("order queue full")
	ErrFeedFatal            = errors.New("fatal feed error")
	ErrNoCandidates         = errors.New("no candidate instruments available")
	ErrEngineRunning        = errors.New("engine already running")
	ErrEngineStopped        = errors.New("engine not running")
)
