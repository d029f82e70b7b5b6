/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package grpcchannel provides a factory of gRPC client channels that keeps exactly one
// *grpc.ClientConn per authority and closes all of them when the factory is destroyed.
// The factory implements service.Unit, so it can be stopped together with the rest of the application.
package grpcchannel
