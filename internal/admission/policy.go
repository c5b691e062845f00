// Package admission gates outbound connections to origin servers.
//
// A Policy is shared by every session of a proxy. Sessions read it once, at
// the moment they would dial the origin; flipping it later only affects
// sessions that have not reached that point yet.
package admission

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

type Mode string

const (
	Unlimited Mode = "unlimited"
	Limited   Mode = "limited"
)

// ErrDenied is returned by sessions that reached the admission check while
// the policy was limited.
var ErrDenied = errors.New("outbound connection denied by admission policy")

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Unlimited:
		return Unlimited, nil
	case Limited:
		return Limited, nil
	default:
		return "", fmt.Errorf("unknown admission mode %q", s)
	}
}

type Policy struct {
	limited atomic.Bool
}

// New returns a policy in the given mode.
func New(mode Mode) *Policy {
	p := &Policy{}
	p.Set(mode)
	return p
}

func (p *Policy) SetUnlimited() { p.limited.Store(false) }

func (p *Policy) SetLimited() { p.limited.Store(true) }

func (p *Policy) Set(mode Mode) { p.limited.Store(mode == Limited) }

// IsOutboundAllowed reports whether a session may dial a real origin now.
func (p *Policy) IsOutboundAllowed() bool { return !p.limited.Load() }

func (p *Policy) Mode() Mode {
	if p.limited.Load() {
		return Limited
	}
	return Unlimited
}
