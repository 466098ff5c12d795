package versions

import (
	"strconv"
	"strings"
)

// Revision is the upstream version plus the source and build counts, "1.0-2-3".  Source
// revisions have a nil BuildCount.  Timestamp is seconds since the epoch; it orders revisions on
// a branch and is not part of a revision's identity.
type Revision struct {
	Upstream    string
	SourceCount SerialNumber
	BuildCount  SerialNumber
	Timestamp   float64
}

// ParseRevision parses a fully specified revision, "upstream-source[-build]".
func ParseRevision(s string) (*Revision, error) {
	return parseRevision(s, nil, false)
}

func parseRevision(value string, template *Revision, frozen bool) (*Revision, error) {
	r := &Revision{}
	if frozen {
		ts, rest, ok := strings.Cut(value, ":")
		if !ok {
			return nil, parseErrorf("frozen revision %q has no timestamp", value)
		}
		f, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return nil, parseErrorf("bad timestamp in frozen revision %q", value)
		}
		r.Timestamp = f
		value = rest
	}
	if strings.Contains(value, ":") {
		return nil, parseErrorf("version/release pairs may not contain colons")
	}
	if strings.Contains(value, "@") {
		return nil, parseErrorf("version/release pairs may not contain @ signs")
	}
	fields := strings.Split(value, "-")
	var upstream, release, build string
	var haveUpstream, haveRelease, haveBuild bool
	switch len(fields) {
	case 1:
		switch {
		case template != nil && template.BuildCount != nil:
			r.Upstream = template.Upstream
			r.SourceCount = template.SourceCount.copy()
			build, haveBuild = fields[0], true
		case template != nil:
			r.Upstream = template.Upstream
			release, haveRelease = fields[0], true
		default:
			return nil, parseErrorf("bad version/release set %s", value)
		}
	case 2:
		if template != nil && template.BuildCount != nil {
			r.Upstream = template.Upstream
			release, build = fields[0], fields[1]
			haveRelease, haveBuild = true, true
		} else {
			upstream, release = fields[0], fields[1]
			haveUpstream, haveRelease = true, true
		}
	case 3:
		upstream, release, build = fields[0], fields[1], fields[2]
		haveUpstream, haveRelease, haveBuild = true, true, true
	default:
		return nil, parseErrorf("too many fields in version/release set")
	}
	if haveUpstream {
		if upstream == "" || upstream[0] < '0' || upstream[0] > '9' {
			return nil, parseErrorf("version numbers must be begin with a digit: %s", value)
		}
		r.Upstream = upstream
	}
	if haveRelease {
		sc, err := ParseSerialNumber(release)
		if err != nil {
			return nil, parseErrorf("release numbers must be all numeric: %s", release)
		}
		r.SourceCount = sc
	}
	if haveBuild {
		bc, err := ParseSerialNumber(build)
		if err != nil {
			return nil, parseErrorf("build count numbers must be all numeric: %s", build)
		}
		r.BuildCount = bc
	}
	return r, nil
}

// String returns the full form of the revision.
func (r *Revision) String() string {
	return r.asString(nil, false)
}

// asString writes r relative to the previous revision in a version string.  Relative forms are
// only used where parseRevision reads them back unchanged.
func (r *Revision) asString(versus *Revision, frozen bool) string {
	var rc string
	full := versus == nil || r.Upstream != versus.Upstream ||
		(versus.BuildCount != nil) != (r.BuildCount != nil)
	switch {
	case full:
		rc = r.Upstream + "-" + r.SourceCount.String()
	case r.SourceCount.Equal(versus.SourceCount) && r.BuildCount != nil:
		rc = ""
	default:
		rc = r.SourceCount.String()
	}
	if r.BuildCount != nil {
		if rc != "" {
			rc += "-" + r.BuildCount.String()
		} else {
			rc = r.BuildCount.String()
		}
	}
	if frozen {
		rc = r.FreezeTimestamp() + ":" + rc
	}
	return rc
}

// FreezeTimestamp formats the timestamp the way frozen versions store it.
func (r *Revision) FreezeTimestamp() string {
	return strconv.FormatFloat(r.Timestamp, 'f', 3, 64)
}

// ShadowCount is the source count's shadow count, or the build count's if the source count has
// none.
func (r *Revision) ShadowCount() int {
	if i := r.SourceCount.ShadowCount(); i > 0 {
		return i
	}
	if r.BuildCount != nil {
		return r.BuildCount.ShadowCount()
	}
	return 0
}

// Equal compares upstream, source count, and build count; timestamps are ignored.
func (r *Revision) Equal(o *Revision) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Upstream == o.Upstream && r.SourceCount.Equal(o.SourceCount) && r.BuildCount.Equal(o.BuildCount)
}

// Copy returns a deep copy of r.
func (r *Revision) Copy() *Revision {
	return &Revision{
		Upstream:    r.Upstream,
		SourceCount: r.SourceCount.copy(),
		BuildCount:  r.BuildCount.copy(),
		Timestamp:   r.Timestamp,
	}
}
