// Package server hosts the Fiber HTTP service and the request middleware chain
// that sits in front of the offline interceptor. It attaches request IDs,
// panic recovery and the cross-origin isolation headers the application needs,
// then hands every non-diagnostics path to an injected ProxyHandler. Keep
// exports narrow and accept explicit dependencies so cmd wiring and tests can
// swap handlers freely.
package server
