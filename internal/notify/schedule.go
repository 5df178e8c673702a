package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts:
//   - cron: "0 * * * *", "@hourly", "@every 1h" (anything with whitespace or a leading '@')
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "01:00" (one hour), "00:30"
//
// The second return value names the form that matched.
func ParseSchedule(raw string) (cron.Schedule, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, "", fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		sched, err := cronParser.Parse(s)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return sched, "cron", nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, "", fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, "", fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), "hhmm", nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, "", fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '01:00', or duration like '1h')", raw)
	}
	if d <= 0 {
		return nil, "", fmt.Errorf("interval must be > 0")
	}
	return cron.Every(d), "duration", nil
}
