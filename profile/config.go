package profile

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/coordset/leaudio"
)

const (
	// DefaultConnectTimeout bounds a connect or disconnect attempt.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultTransactionTimeout bounds a single control-point transaction.
	DefaultTransactionTimeout = 3 * time.Second

	defaultMailboxDepth = 16
)

// Config carries the tunables shared by a registry and its machines.
// It implements leaudio.ServiceOption so it can be populated through the
// root package's functional options.
type Config struct {
	Profile leaudio.ProfileID

	ConnectTimeout     time.Duration
	TransactionTimeout time.Duration
	MailboxDepth       int

	Logger leaudio.Logger
	Policy leaudio.PolicyStore
	Bond   func(leaudio.Addr) leaudio.BondState

	quiet atomic.Bool
}

// NewConfig returns a Config with defaults for the given profile, with the
// supplied options applied.
func NewConfig(profile leaudio.ProfileID, opts ...leaudio.Option) (*Config, error) {
	c := &Config{
		Profile:            profile,
		ConnectTimeout:     DefaultConnectTimeout,
		TransactionTimeout: DefaultTransactionTimeout,
		MailboxDepth:       defaultMailboxDepth,
		Logger:             leaudio.GetLogger(),
	}

	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(c); err != nil {
			return nil, errors.Wrap(err, "can't set options")
		}
	}

	return c, nil
}

func (c *Config) SetConnectTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("connect timeout must be positive")
	}
	c.ConnectTimeout = d
	return nil
}

func (c *Config) SetTransactionTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("transaction timeout must be positive")
	}
	c.TransactionTimeout = d
	return nil
}

func (c *Config) SetLogger(l leaudio.Logger) error {
	if l == nil {
		return errors.New("nil logger")
	}
	c.Logger = l
	return nil
}

func (c *Config) SetPolicyStore(ps leaudio.PolicyStore) error {
	c.Policy = ps
	return nil
}

func (c *Config) SetBondLookup(f func(leaudio.Addr) leaudio.BondState) error {
	c.Bond = f
	return nil
}

func (c *Config) SetQuietMode(quiet bool) error {
	c.quiet.Store(quiet)
	return nil
}

func (c *Config) SetMailboxDepth(n int) error {
	if n < 1 {
		return errors.New("mailbox depth must be at least 1")
	}
	c.MailboxDepth = n
	return nil
}

// QuietMode reports whether connects are currently suppressed.
func (c *Config) QuietMode() bool {
	return c.quiet.Load()
}

// connectionPolicy consults the store; a missing store means no policy has
// ever been written, which admission treats the same as PolicyUnknown.
func (c *Config) connectionPolicy(p leaudio.Addr) leaudio.Policy {
	if c.Policy == nil {
		return leaudio.PolicyUnknown
	}
	return c.Policy.ConnectionPolicy(p, c.Profile)
}

// bondState consults the stack's bond lookup. Without one the core cannot
// tell bonded peers apart, so it assumes bonded; embedders that care about
// admission must install a lookup.
func (c *Config) bondState(p leaudio.Addr) leaudio.BondState {
	if c.Bond == nil {
		return leaudio.BondBonded
	}
	return c.Bond(p)
}
