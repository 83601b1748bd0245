package rgconfig

import (
	"github.com/grpc-guardian/retryengine/gaxbackoff"
	"github.com/grpc-guardian/retryengine/retrypolicy"
	"google.golang.org/grpc/codes"
)

// Policy builds a retrypolicy.Policy from c. Per gaxbackoff.Settings'
// mutual-exclusion invariant, TotalTimeout (if set) is used as the retry
// budget; otherwise MaxAttempts is translated into Backoff.MaxRetries as
// (MaxAttempts - 1), since MaxRetries counts retries after the initial
// attempt.
func (c *Config) Policy() *retrypolicy.Policy {
	codeSet := make(map[codes.Code]bool, len(c.RetryCodes))
	for _, code := range c.RetryCodes {
		codeSet[code] = true
	}

	settings := gaxbackoff.Settings{
		InitialRetryDelay:    c.InitialRetryDelay,
		RetryDelayMultiplier: c.RetryDelayMultiplier,
		MaxRetryDelay:        c.MaxRetryDelay,
		InitialRPCTimeout:    c.InitialRPCTimeout,
		RPCTimeoutMultiplier: c.RPCTimeoutMultiplier,
		MaxRPCTimeout:        c.MaxRPCTimeout,
	}

	if c.TotalTimeout > 0 {
		settings.TotalTimeout = &c.TotalTimeout
	} else if c.MaxAttempts > 0 {
		retries := c.MaxAttempts - 1
		settings.MaxRetries = &retries
	}

	return &retrypolicy.Policy{
		RetryCodes: codeSet,
		Backoff:    settings,
	}
}
