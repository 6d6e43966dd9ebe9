package topic

// Filter is a parsed topic filter: the result of Parse, exposing the
// operations component A of the routing core needs without re-parsing the
// raw string on every match.
type Filter struct {
	raw       string
	path      string // filter string with any $share/<group>/ prefix stripped
	shareName string // empty when this is not a shared subscription
	wildcards bool
}

// Parse validates s as an MQTT topic filter and returns the parsed Filter.
// Parsing is total: every input either yields a valid Filter or a non-nil
// error: matching never runs against an unparsed string.
func Parse(s string) (*Filter, error) {
	shareName, path := "", s
	if IsSharedSubscription(s) {
		group, rest, err := ValidateSharedSubscription(s)
		if err != nil {
			return nil, err
		}
		shareName, path = group, rest
	} else if err := ValidateTopicFilter(s); err != nil {
		return nil, err
	}

	wildcards := false
	for _, level := range splitTopicLevels(path) {
		if level == "+" || level == "#" {
			wildcards = true
			break
		}
	}

	return &Filter{raw: s, path: path, shareName: shareName, wildcards: wildcards}, nil
}

// Path returns the filter without its $share/<group>/ prefix, if any.
func (f *Filter) Path() string { return f.path }

// String returns the original filter text, including any share prefix.
func (f *Filter) String() string { return f.raw }

// ShareName returns the group name and true if this is a shared subscription
// filter ($share/<group>/<path>).
func (f *Filter) ShareName() (string, bool) {
	if f.shareName == "" {
		return "", false
	}
	return f.shareName, true
}

// HasWildcards reports whether the filter path contains '+' or '#'.
func (f *Filter) HasWildcards() bool { return f.wildcards }

// Matches reports whether topic is matched by this filter's path, using the
// standard MQTT level-by-level match. Topics beginning with '$' never match
// a filter whose first level is a wildcard.
func (f *Filter) Matches(topic string) bool {
	return matchTopicFilter(f.path, topic)
}
