package versions

import "strings"

// Label names a line of development on a repository host, "host@namespace:tag".
type Label struct {
	Host      string
	Namespace string
	Tag       string
}

// LocalHost is the host of labels that never live in a repository.
const LocalHost = "local"

var (
	// LocalLabel is the label of troves built and installed locally.
	LocalLabel = Label{Host: LocalHost, Namespace: "local", Tag: "LOCAL"}
	// EmergeLabel is the label of troves emerged from a recipe.
	EmergeLabel = Label{Host: LocalHost, Namespace: "local", Tag: "EMERGE"}
	// CookLabel is the label of troves cooked locally.
	CookLabel = Label{Host: LocalHost, Namespace: "local", Tag: "COOK"}
)

// ParseLabel parses a fully qualified label.
func ParseLabel(s string) (Label, error) {
	l, err := parseLabel(s, nil)
	if err != nil {
		return Label{}, err
	}
	return *l, nil
}

// parseLabel parses value, filling an elided host or namespace from template.
func parseLabel(value string, template *Label) (*Label, error) {
	if strings.Contains(value, "/") {
		return nil, parseErrorf("/ should not appear in a label")
	}
	colons := strings.Count(value, ":")
	ats := strings.Count(value, "@")
	switch {
	case colons > 1:
		return nil, parseErrorf("unexpected colon")
	case ats > 0 && colons == 0:
		return nil, parseErrorf("@ sign can only be used with a colon")
	case ats > 1:
		return nil, parseErrorf("unexpected @ sign")
	}
	colon := strings.Index(value, ":")
	at := strings.Index(value, "@")
	if at > colon {
		return nil, parseErrorf("@ sign must occur before a colon")
	}
	l := &Label{}
	switch {
	case colon == -1:
		if template == nil {
			return nil, parseErrorf("colon expected before branch name")
		}
		l.Host, l.Namespace, l.Tag = template.Host, template.Namespace, value
	case at == -1:
		if template == nil {
			return nil, parseErrorf("@ expected before label namespace")
		}
		l.Host = template.Host
		l.Namespace, l.Tag, _ = strings.Cut(value, ":")
	default:
		var rest string
		l.Host, rest, _ = strings.Cut(value, "@")
		l.Namespace, l.Tag, _ = strings.Cut(rest, ":")
	}
	if l.Namespace == "" {
		return nil, parseErrorf("namespace may not be empty: %s", value)
	}
	if l.Tag == "" {
		return nil, parseErrorf("branch tag not be empty: %s", value)
	}
	return l, nil
}

func (l Label) String() string {
	return l.Host + "@" + l.Namespace + ":" + l.Tag
}

// asString abbreviates l relative to the previous label in a version string.
func (l Label) asString(versus *Label) string {
	if versus != nil && l.Host == versus.Host {
		if l.Namespace == versus.Namespace {
			return l.Tag
		}
		return l.Namespace + ":" + l.Tag
	}
	return l.String()
}

// IsStatic is true for the fixed local labels.
func (l Label) IsStatic() bool {
	return l == LocalLabel || l == EmergeLabel || l == CookLabel
}

// IsOnLocalHost is true if l does not live in any repository.
func (l Label) IsOnLocalHost() bool {
	return l.Host == LocalHost
}

// MarshalText implements encoding.TextMarshaler.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Label) UnmarshalText(b []byte) error {
	parsed, err := ParseLabel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
