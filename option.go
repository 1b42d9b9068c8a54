package leaudio

import (
	"time"
)

// ServiceOption is an interface which a profile service's configuration
// should implement to allow using configuration options
type ServiceOption interface {
	SetConnectTimeout(time.Duration) error
	SetTransactionTimeout(time.Duration) error
	SetLogger(Logger) error
	SetPolicyStore(PolicyStore) error
	SetBondLookup(func(Addr) BondState) error
	SetQuietMode(bool) error
	SetMailboxDepth(int) error
}

// An Option is a configuration function, which configures a profile service.
type Option func(ServiceOption) error

// OptConnectTimeout overrides the default connect attempt timeout.
func OptConnectTimeout(d time.Duration) Option {
	return func(opt ServiceOption) error {
		opt.SetConnectTimeout(d)
		return nil
	}
}

// OptTransactionTimeout overrides the default control-point transaction timeout.
func OptTransactionTimeout(d time.Duration) Option {
	return func(opt ServiceOption) error {
		opt.SetTransactionTimeout(d)
		return nil
	}
}

// OptLogger injects a logger.
func OptLogger(l Logger) Option {
	return func(opt ServiceOption) error {
		opt.SetLogger(l)
		return nil
	}
}

// OptPolicyStore injects the connection policy store.
func OptPolicyStore(ps PolicyStore) Option {
	return func(opt ServiceOption) error {
		opt.SetPolicyStore(ps)
		return nil
	}
}

// OptBondLookup injects the stack's bond state lookup.
func OptBondLookup(f func(Addr) BondState) Option {
	return func(opt ServiceOption) error {
		opt.SetBondLookup(f)
		return nil
	}
}

// OptQuietMode starts the service in quiet mode; connects are refused
// until quiet mode is cleared.
func OptQuietMode(quiet bool) Option {
	return func(opt ServiceOption) error {
		opt.SetQuietMode(quiet)
		return nil
	}
}

// OptMailboxDepth overrides the per-peer message queue depth.
func OptMailboxDepth(n int) Option {
	return func(opt ServiceOption) error {
		opt.SetMailboxDepth(n)
		return nil
	}
}
