// Package mail delivers party invites. Delivery is pluggable; the
// default dispatcher only logs, which keeps local and test deployments
// from needing an SMTP relay. A disabled dispatcher reports not-sent so
// the RPC response is honest about it.
package mail

import (
	"context"

	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// Invite is one party's fill link.
type Invite struct {
	DealID   string
	DealName string
	Email    string
	Link     string
}

// Dispatcher delivers invites.
type Dispatcher interface {
	// SendInvite delivers the invite. Returns whether delivery was
	// attempted; a disabled dispatcher returns false with no error.
	SendInvite(ctx context.Context, inv *Invite) (bool, error)
}

// LogDispatcher writes invites to the log instead of delivering them.
type LogDispatcher struct {
	enabled bool
	log     *logging.Logger
}

// NewLogDispatcher creates the logging dispatcher. enabled mirrors the
// operator's email switch.
func NewLogDispatcher(enabled bool) *LogDispatcher {
	return &LogDispatcher{
		enabled: enabled,
		log:     logging.GetDefault().Component("mail"),
	}
}

// SendInvite logs the invite when enabled.
func (d *LogDispatcher) SendInvite(_ context.Context, inv *Invite) (bool, error) {
	if !d.enabled {
		d.log.Debug("email disabled, invite not sent", "deal", inv.DealID, "email", inv.Email)
		return false, nil
	}
	d.log.Info("invite dispatched", "deal", inv.DealID, "name", inv.DealName,
		"email", inv.Email, "link", inv.Link)
	return true, nil
}

var _ Dispatcher = (*LogDispatcher)(nil)
