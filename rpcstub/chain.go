package rpcstub

// Interceptor wraps a StubCall with cross-cutting behavior (logging,
// tracing, metrics) the way a gRPC client interceptor wraps an invoker.
// Adapted from the teacher's server-side Middleware/Chain composition
// (guardian.go) onto the client-side StubCall boundary this package
// owns: instead of wrapping a grpc.UnaryHandler, an Interceptor wraps a
// StubCall.
type Interceptor func(next StubCall) StubCall

// Chain composes interceptors around a StubCall.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates an interceptor chain.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Append adds interceptors to the end of the chain (closest to the
// underlying StubCall).
func (c *Chain) Append(interceptors ...Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptors...)
	return c
}

// Prepend adds interceptors to the beginning of the chain (outermost,
// executed first).
func (c *Chain) Prepend(interceptors ...Interceptor) *Chain {
	c.interceptors = append(interceptors, c.interceptors...)
	return c
}

// Wrap returns a StubCall that runs the chain around call, applying
// interceptors in the order they were added — the first interceptor
// sees the request first and the terminal event last.
func (c *Chain) Wrap(call StubCall) StubCall {
	wrapped := call
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		wrapped = c.interceptors[i](wrapped)
	}
	return wrapped
}
