package main

import (
	"context"
	"errors"
	"net"
	"syscall"

	"gopkg.in/errgo.v1"
)

// Causes attached to upstream failures. The error text doubles as the
// reason code used in logs and metrics.
var (
	ErrTimeout   = errgo.New("timeout")
	ErrDNS       = errgo.New("dns")
	ErrRefused   = errgo.New("refused")
	ErrNetwork   = errgo.New("network")
	ErrBadStatus = errgo.New("status")
	ErrParse     = errgo.New("parse")
	ErrNoData    = errgo.New("nodata")
)

var failureCauses = []error{ErrTimeout, ErrDNS, ErrRefused, ErrNetwork, ErrBadStatus, ErrParse, ErrNoData}

// FailureReason returns the reason code of an upstream failure.
// Errors without a known cause are reported as "unknown".
func FailureReason(err error) string {
	cause := errgo.Cause(err)
	for _, c := range failureCauses {
		if cause == c {
			return c.Error()
		}
	}
	return "unknown"
}

// transportCause classifies an error returned by an HTTP round trip.
func transportCause(err error) error {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &dnsErr):
		return ErrDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	}
	return ErrNetwork
}
