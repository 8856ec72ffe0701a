package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/chat-sync/models"
)

const (
	LabelOnline  = "Online"
	LabelOffline = "Offline"
)

// FormatLastSeen renders ts relative to now, e.g. "5 mins ago" or
// "yesterday at 9:05 PM". Calendar comparisons use now's location.
func FormatLastSeen(now, ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	ts = ts.In(now.Location())

	diff := now.Sub(ts)
	if diff < 0 {
		diff = 0
	}
	mins := int(diff / time.Minute)
	hours := int(diff / time.Hour)
	days := hours / 24

	switch {
	case diff < time.Minute:
		return "just now"
	case mins < 60:
		return fmt.Sprintf("%d %s ago", mins, plural(mins, "min"))
	case hours < 24:
		return fmt.Sprintf("%d %s ago", hours, plural(hours, "hr"))
	}

	clockLabel := ts.Format("3:04 PM")
	if sameDay(ts, now.AddDate(0, 0, -1)) {
		return "yesterday at " + clockLabel
	}
	if days >= 2 && days <= 6 {
		return fmt.Sprintf("%d days ago at %s", days, clockLabel)
	}
	if ts.Year() == now.Year() {
		return fmt.Sprintf("on %s at %s", ts.Format("02 Jan"), clockLabel)
	}
	return fmt.Sprintf("on %s at %s", ts.Format("02 Jan 2006"), clockLabel)
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// PeerStatus turns presence updates for the peer of a direct room into a
// header label. Going offline shows immediately; coming online is applied
// only after the stabilisation delay so a flapping connection does not
// flicker the label.
type PeerStatus struct {
	clock   clock.Clock
	delay   time.Duration
	onLabel func(string)

	// emitMu keeps onLabel calls in epoch order.
	emitMu sync.Mutex

	mu       sync.Mutex
	epoch    uint64
	timer    *clock.Timer
	label    string
	online   bool
	lastSeen *time.Time
	stopped  bool
}

// NewPeerStatus starts at LabelOffline until the first update arrives.
// onLabel must not call back into the PeerStatus.
func NewPeerStatus(clk clock.Clock, delay time.Duration, onLabel func(string)) *PeerStatus {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerStatus{
		clock:   clk,
		delay:   delay,
		onLabel: onLabel,
		label:   LabelOffline,
	}
}

// Update applies one presence status of the peer.
func (p *PeerStatus) Update(st models.PresenceStatus) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.epoch++
	p.online = st.IsOnline
	p.lastSeen = st.LastSeen
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if st.IsOnline {
		epoch := p.epoch
		p.timer = p.clock.AfterFunc(p.delay, func() { p.applyOnline(epoch) })
		p.mu.Unlock()
		return
	}

	epoch, label := p.epoch, p.offlineLabelLocked()
	p.mu.Unlock()
	p.emit(epoch, label)
}

// Refresh recomputes the relative last-seen label while the peer is offline.
func (p *PeerStatus) Refresh() {
	p.mu.Lock()
	if p.stopped || p.online {
		p.mu.Unlock()
		return
	}
	epoch, label := p.epoch, p.offlineLabelLocked()
	p.mu.Unlock()
	p.emit(epoch, label)
}

func (p *PeerStatus) Label() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label
}

// Stop cancels a pending online transition; no labels are emitted after it.
func (p *PeerStatus) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.epoch++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PeerStatus) applyOnline(epoch uint64) {
	p.emit(epoch, LabelOnline)
}

func (p *PeerStatus) offlineLabelLocked() string {
	if p.lastSeen == nil {
		return LabelOffline
	}
	return "Last seen " + FormatLastSeen(p.clock.Now(), *p.lastSeen)
}

// emit publishes label unless a newer update or Stop superseded epoch.
func (p *PeerStatus) emit(epoch uint64, label string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.stopped || epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	p.label = label
	p.mu.Unlock()
	if p.onLabel != nil {
		p.onLabel(label)
	}
}
