package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed sweep schedule. Exactly one of Cron and Every is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

// ParseSchedule validates the sweep configuration.
// Nil sweep or empty fields fall back to DefaultSweepEvery.
func ParseSchedule(cfg *Sweep) (Schedule, error) {
	if cfg == nil {
		cfg = &Sweep{}
	}
	switch {
	case cfg.Cron != "" && cfg.Duration != "":
		return Schedule{}, errors.New("sweep: cron and duration are mutually exclusive")
	case cfg.Cron != "":
		if _, err := ParseCron(cfg.Cron); err != nil {
			return Schedule{}, fmt.Errorf("parsing sweep.cron: %w", err)
		}
		return Schedule{Cron: strings.TrimSpace(cfg.Cron)}, nil
	default:
		dur := cfg.Duration
		if dur == "" {
			dur = DefaultSweepEvery
		}
		d, err := ParseISODuration(dur)
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing sweep.duration: %w", err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("sweep.duration must be positive: %s", dur)
		}
		return Schedule{Every: d}, nil
	}
}

// ParseCron parses a cron expression that have 5 fields or a @macro and
// returns the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the day and time parts of an ISO8601 duration,
// PT30M, P1DT12H or PT1.5S. Years, months and weeks are rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			unit = time.Hour
		case "minute":
			unit = time.Minute
		case "second":
			unit = time.Second
		}
		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		if num > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}
	return ret, nil
}

func splitNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
