/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package interceptor provides client-side gRPC interceptors for request ID propagation,
// logging, Prometheus metrics and rate limiting of outgoing calls.
package interceptor
