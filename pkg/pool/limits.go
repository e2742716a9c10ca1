package pool

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/migadu/tenantdb/helpers"
)

// ExhaustedAction decides what Checkout does when every slot is in use.
type ExhaustedAction int

const (
	// Block waits up to MaxWaitTime for a handle to be returned.
	Block ExhaustedAction = iota
	// Grow creates a handle beyond MaxSize; MaxSize becomes a soft cap.
	Grow
	// Fail returns ErrPoolExhausted immediately.
	Fail
)

func (a ExhaustedAction) String() string {
	switch a {
	case Block:
		return "block"
	case Grow:
		return "grow"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("ExhaustedAction(%d)", int(a))
}

// ParseExhaustedAction converts a configuration value. Empty means Block.
func ParseExhaustedAction(s string) (ExhaustedAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "grow":
		return Grow, nil
	case "fail":
		return Fail, nil
	}
	return Block, fmt.Errorf("unknown exhausted action %q", s)
}

// Limits bounds a pool and controls handle health checks.
type Limits struct {
	MinSize            int
	MaxSize            int
	MaxIdleTime        time.Duration // 0 disables idle eviction
	MaxLifetime        time.Duration // 0 disables lifetime retirement
	MaxWaitTime        time.Duration // 0 waits until ctx is done
	ExhaustedAction    ExhaustedAction
	TestOnCheckout     bool
	TestOnReturn       bool
	TestOnIdleSweep    bool
	LongHeldWarning    time.Duration // 0 disables the warning
	CaptureStackTraces bool
}

// Validate rejects limits a pool cannot operate with.
func (l Limits) Validate() error {
	if l.MaxSize <= 0 {
		return fmt.Errorf("max size must be positive, got %d", l.MaxSize)
	}
	if l.MinSize < 0 || l.MinSize > l.MaxSize {
		return fmt.Errorf("min size must be between 0 and %d, got %d", l.MaxSize, l.MinSize)
	}
	if l.MaxWaitTime < 0 || l.MaxIdleTime < 0 || l.MaxLifetime < 0 || l.LongHeldWarning < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// TLSSettings names the TLS material used when dialing an endpoint.
type TLSSettings struct {
	Mode       string
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

// Endpoint is the swappable connection target of a pool. Only the create
// hook reads it.
type Endpoint struct {
	URL      string
	User     string
	Password string
	Params   map[string]string
	TLS      TLSSettings
}

// Equal reports whether two endpoints would produce identical connections.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.URL == o.URL &&
		e.User == o.User &&
		e.Password == o.Password &&
		e.TLS == o.TLS &&
		maps.Equal(e.Params, o.Params)
}

// String renders the endpoint for logs with the password masked.
func (e Endpoint) String() string {
	if e.User == "" {
		return helpers.MaskDSN(e.URL)
	}
	return fmt.Sprintf("%s (user %s)", helpers.MaskDSN(e.URL), e.User)
}
