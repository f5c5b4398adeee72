package risk

import (
	"fmt"
	"time"

	"ladder_engine/internal/config"
)

// MarketHours answers whether the trading session is open. The session window
// is inclusive of both bounds; the default is the NSE intraday window with a
// one-minute grace after the 09:15 open.
type MarketHours struct {
	loc       *time.Location
	openMins  int
	closeMins int
}

// NewMarketHours parses the configured session window.
func NewMarketHours(cfg config.SessionConfig) (*MarketHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone %q: %w", cfg.Timezone, err)
	}
	open, err := parseClock(cfg.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("invalid session open time %q: %w", cfg.OpenTime, err)
	}
	closeAt, err := parseClock(cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("invalid session close time %q: %w", cfg.CloseTime, err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("session close %q is not after open %q", cfg.CloseTime, cfg.OpenTime)
	}
	return &MarketHours{loc: loc, openMins: open, closeMins: closeAt}, nil
}

// IsOpen reports whether t falls inside the session window on a weekday.
func (h *MarketHours) IsOpen(t time.Time) bool {
	local := t.In(h.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= h.openMins && mins <= h.closeMins
}

// IsOpenNow is IsOpen for the current wall clock.
func (h *MarketHours) IsOpenNow() bool {
	return h.IsOpen(time.Now())
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
