package calls

import (
	"regexp"
	"strconv"
	"strings"
)

// StructuredData is the schema-shaped map extracted by the voice platform's
// post-call analysis. Keys arrive in camelCase or snake_case depending on the
// assistant's schema, so accessors accept both.
type StructuredData map[string]any

const (
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
	AvailabilityCallback    = "callback_requested"
	AvailabilityUnclear     = "unclear"
)

func (d StructuredData) lookup(keys ...string) (any, bool) {
	if d == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := d[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (d StructuredData) str(keys ...string) string {
	v, ok := d.lookup(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func (d StructuredData) Disqualified() bool {
	v, ok := d.lookup("disqualified", "is_disqualified")
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

func (d StructuredData) DisqualificationReason() string {
	return d.str("disqualificationReason", "disqualification_reason")
}

// Availability is normalized to lower-case snake_case.
func (d StructuredData) Availability() string {
	v := strings.ToLower(d.str("availability"))
	return strings.ReplaceAll(v, " ", "_")
}

func (d StructuredData) EarliestAvailability() string {
	return d.str("earliestAvailability", "earliest_availability")
}

var numberPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)

// Rate returns the quoted rate as a number. Free-text quotes such as
// "$95/hour" are parsed for their first number.
func (d StructuredData) Rate() (float64, bool) {
	v, ok := d.lookup("estimated_rate", "estimatedRate", "rate")
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, t > 0
	case int:
		return float64(t), t > 0
	case string:
		m := numberPattern.FindString(strings.ReplaceAll(t, ",", ""))
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil || f <= 0 {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CriteriaMet returns the requirements the provider confirmed on the call.
func (d StructuredData) CriteriaMet() []string {
	v, ok := d.lookup("criteriaMet", "criteria_met")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return t
	case string:
		return SplitCriteria(t)
	default:
		return nil
	}
}

// AllCriteriaMet reports an explicit "all requirements met" flag.
func (d StructuredData) AllCriteriaMet() (bool, bool) {
	v, ok := d.lookup("all_criteria_met", "allCriteriaMet")
	if !ok {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// Professionalism returns a 0..100 rating. Ratings on a 1..10 scale are scaled up.
func (d StructuredData) Professionalism() (float64, bool) {
	v, ok := d.lookup("professionalism", "professionalism_score", "professionalismScore")
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f <= 10 {
		f *= 10
	}
	if f < 0 || f > 100 {
		return 0, false
	}
	return f, true
}
