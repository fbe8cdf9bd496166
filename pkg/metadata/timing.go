package metadata

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimingDateLayout is the layout of the "Curr Date" field, the Go form of
// "%a %b %d %H:%M:%S %Y". Runs of whitespace are collapsed before parsing
// so space-padded days ("Dec  2") are accepted.
const TimingDateLayout = "Mon Jan 2 15:04:05 2006"

// ErrMissingDate is returned when a timing log has no "Curr Date" line.
var ErrMissingDate = errors.New("timing log missing Curr Date")

// Timing holds the fields extracted from an e3sm_timing file. String
// fields are empty when their line is absent.
type Timing struct {
	Case        string
	Machine     string
	User        string
	LID         string
	Date        time.Time
	GridLong    string
	CompsetLong string
	RunType     string
	RunConfig   RunConfig
}

// RunConfig holds the run stop condition.
type RunConfig struct {
	StopOption string `json:"stop_option" yaml:"stop_option"`
	StopN      string `json:"stop_n" yaml:"stop_n"`
}

// ParseTiming parses an e3sm_timing file. The date is mandatory; every
// other field degrades to "" when missing.
func ParseTiming(path string) (*Timing, error) {
	text, err := ReadText(path)
	if err != nil {
		return nil, err
	}

	return parseTiming(text)
}

func parseTiming(text string) (*Timing, error) {
	fields := timingFields(text)

	rawDate, ok := fields["Curr Date"]
	if !ok || rawDate == "" {
		return nil, ErrMissingDate
	}

	date, err := time.Parse(TimingDateLayout, strings.Join(strings.Fields(rawDate), " "))
	if err != nil {
		return nil, fmt.Errorf("parsing Curr Date %q: %w", rawDate, err)
	}

	t := &Timing{
		Case:        fields["Case"],
		Machine:     fields["Machine"],
		User:        fields["User"],
		LID:         fields["LID"],
		Date:        date.UTC(),
		GridLong:    fields["grid"],
		CompsetLong: fields["compset"],
		RunType:     firstItem(fields["run type"]),
	}

	t.RunConfig.StopOption, t.RunConfig.StopN = stopCondition(
		fields["stop option"], fields["stop_n"],
	)

	return t, nil
}

// timingFields collects "key : value" lines. Keys are matched exactly
// after trimming, so "Caseroot" never shadows "Case". The first
// occurrence of a key wins.
func timingFields(text string) map[string]string {
	fields := make(map[string]string, 16)

	for _, line := range lines(text) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value)
		}
	}

	return fields
}

// stopCondition splits the stop option. CIME writes both values on one
// line ("nyears, stop_n = 10"); a dedicated stop_n line takes precedence.
func stopCondition(option, stopN string) (string, string) {
	head, rest, found := strings.Cut(option, ",")
	option = strings.TrimSpace(head)

	if stopN == "" && found {
		if _, n, ok := strings.Cut(rest, "="); ok {
			stopN = strings.TrimSpace(n)
		}
	}

	return option, stopN
}

func firstItem(s string) string {
	head, _, _ := strings.Cut(s, ",")

	return strings.TrimSpace(head)
}
