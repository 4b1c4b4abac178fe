package mdns

import (
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultProbeCount           = 3
	DefaultProbeInterval        = 250 * time.Millisecond
	DefaultProbeInitialJitter   = 250 * time.Millisecond
	DefaultMaxRenameAttempts    = 10
	DefaultAnnouncementCount    = 2
	DefaultAnnouncementInterval = time.Second
)

// Config tunes a Service. Zero fields take the defaults above.
type Config struct {
	ProbeCount         int
	ProbeInterval      time.Duration
	ProbeInitialJitter time.Duration
	// Renames allowed per probe before it is abandoned.
	MaxRenameAttempts int

	AnnouncementCount    int
	AnnouncementInterval time.Duration

	// Source of probe jitter; seeded from the clock when nil.
	Rand *rand.Rand
	// Sees every packet sent and accepted; may be nil.
	Observer PacketObserver

	// This host's addresses on the link. Responses from them are our own
	// packets looped back and never conflict with a probe. Addresses used
	// to probe or in registered address records are added as they appear.
	LocalAddresses []net.IP
}

func (c *Config) setDefaults(now time.Time) {
	if c.ProbeCount == 0 {
		c.ProbeCount = DefaultProbeCount
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeInitialJitter == 0 {
		c.ProbeInitialJitter = DefaultProbeInitialJitter
	}
	if c.MaxRenameAttempts == 0 {
		c.MaxRenameAttempts = DefaultMaxRenameAttempts
	}
	if c.AnnouncementCount == 0 {
		c.AnnouncementCount = DefaultAnnouncementCount
	}
	if c.AnnouncementInterval == 0 {
		c.AnnouncementInterval = DefaultAnnouncementInterval
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(now.UnixNano()))
	}
}

func (c *Config) validate() error {
	switch {
	case c.ProbeCount < 0:
		return errors.Wrap(ErrInvalidArgument, "negative probe count")
	case c.ProbeInterval < 0 || c.ProbeInitialJitter < 0 || c.AnnouncementInterval < 0:
		return errors.Wrap(ErrInvalidArgument, "negative interval")
	case c.MaxRenameAttempts < 0:
		return errors.Wrap(ErrInvalidArgument, "negative rename limit")
	case c.AnnouncementCount < 0:
		return errors.Wrap(ErrInvalidArgument, "negative announcement count")
	}
	return nil
}
