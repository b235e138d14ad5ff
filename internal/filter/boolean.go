package filter

import "strings"

// booleanTable maps recognised boolean vocabulary to Miniserver digital
// values. Matching is case-insensitive and whitespace-trimmed; unrecognised
// values pass through untouched.
type booleanTable struct {
	truthy map[string]struct{}
	falsy  map[string]struct{}
}

// Default boolean vocabulary. Extended per deployment via the processing
// config's true_values / false_values lists.
var (
	defaultTrueValues = []string{
		"true", "yes", "on", "enabled", "enable", "1",
		"check", "checked", "select", "selected",
	}
	defaultFalseValues = []string{
		"false", "no", "off", "disabled", "disable", "0",
	}
)

func newBooleanTable(trueValues, falseValues []string) booleanTable {
	if len(trueValues) == 0 {
		trueValues = defaultTrueValues
	}
	if len(falseValues) == 0 {
		falseValues = defaultFalseValues
	}

	table := booleanTable{
		truthy: make(map[string]struct{}, len(trueValues)),
		falsy:  make(map[string]struct{}, len(falseValues)),
	}
	for _, v := range trueValues {
		table.truthy[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	for _, v := range falseValues {
		table.falsy[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return table
}

// convert maps a recognised boolean word to "1" or "0". Values outside the
// vocabulary are returned unchanged.
func (t booleanTable) convert(value string) string {
	key := strings.ToLower(strings.TrimSpace(value))
	if _, ok := t.truthy[key]; ok {
		return "1"
	}
	if _, ok := t.falsy[key]; ok {
		return "0"
	}
	return value
}
