package executor

import (
	"regexp"
	"strconv"

	"golang.org/x/time/rate"
)

// percentMarker matches "42%", "42.5 %", "Progress: 42%" anywhere in a line.
var percentMarker = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)

// progressParser extracts percentage markers from output lines and feeds
// them to the caller, rate-limited so a chatty installer cannot flood the
// UI thread. Terminal values (>= 100%) always go through.
type progressParser struct {
	limiter *rate.Limiter
	cb      func(float64)
}

func newProgressParser(perSecond float64, cb func(float64)) *progressParser {
	if cb == nil {
		return nil
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	return &progressParser{
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		cb:      cb,
	}
}

// feed scans one line for a progress marker.
func (p *progressParser) feed(line string) {
	if p == nil {
		return
	}
	v, ok := ParseProgress(line)
	if !ok {
		return
	}
	if v >= 1 || p.limiter.Allow() {
		p.cb(v)
	}
}

// ParseProgress extracts the first progress marker from a line, scaled to
// [0,1]. ok is false when the line carries no marker.
func ParseProgress(line string) (float64, bool) {
	m := percentMarker.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	v /= 100
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, true
}
