/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcchannel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFactoryClosed is returned by ChannelBuilder.Build when the factory has already been destroyed.
var ErrFactoryClosed = errors.New("gRPC channel factory is closed")

// ChannelShutdownError is an error that occurred while closing the channel for a single authority.
type ChannelShutdownError struct {
	Authority string
	Inner     error
}

// Error returns a string representation of the channel shutdown error.
func (e *ChannelShutdownError) Error() string {
	return fmt.Sprintf("close gRPC channel for %q: %s", e.Authority, e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *ChannelShutdownError) Unwrap() error {
	return e.Inner
}

// ChannelsShutdownError is returned by ChannelFactory.Destroy when one or more channels could not be closed.
// Other channels are still closed.
type ChannelsShutdownError struct {
	ChannelErrors []*ChannelShutdownError
}

// Error returns a string representation of the aggregated shutdown error.
func (e *ChannelsShutdownError) Error() string {
	msgs := make([]string, 0, len(e.ChannelErrors))
	for _, err := range e.ChannelErrors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap returns errors of all channels that failed to close.
func (e *ChannelsShutdownError) Unwrap() []error {
	errs := make([]error, 0, len(e.ChannelErrors))
	for _, err := range e.ChannelErrors {
		errs = append(errs, err)
	}
	return errs
}
