package voice

import "time"

// deadline is the single utterance deadline handle. Arming replaces
// whatever was armed before, so two deadlines can never be pending.
type deadline struct {
	reason FlushReason
	at     time.Time
	armed  bool
}

func (d *deadline) arm(reason FlushReason, at time.Time) {
	d.reason = reason
	d.at = at
	d.armed = true
}

func (d *deadline) cancel() { *d = deadline{} }

func (d *deadline) due(now time.Time) bool { return d.armed && !now.Before(d.at) }
