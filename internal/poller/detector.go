package poller

import (
	"time"

	"streamwatch/internal/stream"
)

// Decision is the transition detector's verdict for one channel poll.
type Decision struct {
	Notify  bool
	Title   string
	Message string
}

// Evaluate decides whether the previous-to-current status change is a
// notification-worthy transition. Pure; the cooldown gate is applied
// separately by the orchestrator.
//
// A live-to-live signature change (mid-broadcast title change, or a new
// broadcast with no offline observation in between) is deliberately not
// notify-worthy: the detector only fires on an observed offline-to-live edge,
// plus the first-ever poll when NotifyIfAlreadyLive opts in.
func Evaluate(prev *stream.ChannelState, cur stream.ChannelStatus, displayName string, settings stream.Settings) Decision {
	if !cur.Live {
		return Decision{}
	}
	if prev == nil {
		if !settings.NotifyIfAlreadyLive {
			return Decision{}
		}
		return liveDecision(displayName, cur)
	}
	if prev.Live {
		return Decision{}
	}
	return liveDecision(displayName, cur)
}

func liveDecision(displayName string, cur stream.ChannelStatus) Decision {
	msg := cur.Title
	if msg == "" {
		msg = "Stream started"
	}
	return Decision{
		Notify:  true,
		Title:   displayName + " started streaming",
		Message: msg,
	}
}

// CanNotify is the dedup/cooldown gate: it suppresses a notification only
// when the same broadcast signature already triggered one inside the
// cooldown window. A different signature always passes; a zero cooldown
// disables the window entirely. The orchestrator clears the record once a
// channel is observed offline, so the window only ever spans a single
// uninterrupted live stretch, never an offline gap.
func CanNotify(rec *stream.NotificationRecord, signature string, now time.Time, cooldown time.Duration) bool {
	if rec == nil {
		return true
	}
	if rec.Signature != signature {
		return true
	}
	if cooldown <= 0 {
		return true
	}
	return now.Sub(rec.NotifiedAt) >= cooldown
}
