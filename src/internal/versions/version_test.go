package versions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

const devel = "/repo.example.com@rpl:devel"

func fixedClock(t *testing.T, ts float64) {
	t.Helper()
	orig := now
	now = func() float64 { return ts }
	t.Cleanup(func() { now = orig })
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{
		devel + "/1.0-1",
		devel + "/1.0-1-1",
		devel + "/1.0-1/shadow/2",
		devel + "/1.0-1-0/branch/1",
		devel + "/1.0-1-0/branch/2-1",
		devel + "//shadow/1.0-1",
		devel + "//shadow/1.0-1.1-1",
		devel + "//shadow/1.0-1-0.1",
		devel + "//other:shadow/1.0-1",
		devel + "//other.example.com@rpl:shadow/1.0-1",
		devel + "//a//b/1.0-1.0.1",
		"/local@local:LOCAL/1.0-1-1",
	} {
		v, err := ParseVersion(s)
		require.NoError(t, err, s)
		require.Equal(t, s, v.String())
	}
}

func TestParseRelativeForms(t *testing.T) {
	v := MustParseVersion(devel + "/1.0-1-0/branch/1")
	require.Equal(t, Label{Host: "repo.example.com", Namespace: "rpl", Tag: "branch"}, v.TrailingLabel())
	tr := v.TrailingRevision()
	require.Equal(t, "1.0", tr.Upstream)
	require.Equal(t, SerialNumber{1}, tr.SourceCount)
	require.Equal(t, SerialNumber{1}, tr.BuildCount)

	v = MustParseVersion(devel + "/1.0-1/shadow/2")
	require.Equal(t, "1.0-2", v.TrailingRevision().String())
}

func TestParseErrors(t *testing.T) {
	for s, msg := range map[string]string{
		"repo.example.com@rpl:devel/1.0-1": "not fully qualified",
		devel + "/1.0-1.1":                 "too many shadow serial numbers",
		devel + "/a1.0-1":                  "must be begin with a digit",
		devel + "/1.0-x":                   "release numbers must be all numeric",
		devel + "/1.0-1-y":                 "build count numbers must be all numeric",
		devel + "/1-2-3-4":                 "too many fields",
		"/devel/1.0-1":                     "colon expected",
		"/rpl:devel/1.0-1":                 "@ expected",
		"/a@b/1.0-1":                       "@ sign can only be used with a colon",
		"/a:b@c/1.0-1":                     "@ sign must occur before a colon",
		"/a@:b/1.0-1":                      "namespace may not be empty",
		"/a@b:/1.0-1":                      "branch tag not be empty",
		"/a@b:c:d/1.0-1":                   "unexpected colon",
		devel:                              "is a branch",
		devel + "/":                        "ends with a shadow marker",
		"/local@local:LOCAL//shadow/1.0-1": "colon expected",
	} {
		_, err := ParseVersion(s)
		require.ErrorContains(t, err, msg, s)
		var pe *repoerr.ParseError
		require.True(t, errors.As(err, &pe), s)
	}
	_, err := ParseRevision("2")
	require.ErrorContains(t, err, "bad version/release set")
	_, err = ParseBranch(devel + "/1.0-1")
	require.ErrorContains(t, err, "is a version")
}

func TestFreezeThaw(t *testing.T) {
	v := MustParseVersion(devel + "/1.0-1/shadow/2")
	v, err := v.WithTimestamps([]float64{1146093462.5, 1146093470.125})
	require.NoError(t, err)
	frozen := v.Freeze()
	require.Equal(t, "/repo.example.com@rpl:devel/1146093462.500:1.0-1/shadow/1146093470.125:2", frozen)
	thawed, err := ThawVersion(frozen)
	require.NoError(t, err)
	require.True(t, thawed.Equal(v))
	require.Equal(t, []float64{1146093462.5, 1146093470.125}, thawed.Timestamps())

	_, err = v.WithTimestamps([]float64{1})
	require.Error(t, err)
}

func TestInterning(t *testing.T) {
	a := MustParseVersion(devel + "/3.2-1-1")
	b := MustParseVersion(devel + "/3.2-1-1")
	require.Same(t, a, b)
	c, err := VersionFromString(devel+"/3.2-1-1", []float64{10})
	require.NoError(t, err)
	require.Equal(t, []float64{10}, c.Timestamps())
	d, err := VersionFromString(devel+"/3.2-1-1", []float64{10})
	require.NoError(t, err)
	require.Same(t, c, d)
}

func TestShadowLength(t *testing.T) {
	for s, want := range map[string]int{
		devel + "/1.0-1":               0,
		devel + "//shadow/1.0-1":       1,
		devel + "//a//b/1.0-1":         2,
		devel + "/1.0-1/branch/1.0-2":  0,
		devel + "/1.0-1/branch//s/2.1": 1,
	} {
		require.Equal(t, want, MustParseVersion(s).ShadowLength(), s)
	}
}

func TestIncrementBuildCount(t *testing.T) {
	fixedClock(t, 100)
	for in, want := range map[string]string{
		devel + "/1.0-1":             devel + "/1.0-1-1",
		devel + "/1.0-1-2":           devel + "/1.0-1-3",
		devel + "//shadow/1.0-1":     devel + "//shadow/1.0-1-0.1",
		devel + "//shadow/1.0-1-0.1": devel + "//shadow/1.0-1-0.2",
		devel + "//shadow/1.0-1.1":   devel + "//shadow/1.0-1.1-1",
		devel + "//shadow/1.0-1.1-1": devel + "//shadow/1.0-1.1-2",
		devel + "//shadow/1.0-1-1":   devel + "//shadow/1.0-1-1.1",
		devel + "/1.0-1-0/branch/1":  devel + "/1.0-1-0/branch/2",
	} {
		v := MustParseVersion(in)
		got := v.IncrementBuildCount()
		require.Equal(t, want, got.String(), in)
		require.Equal(t, float64(100), got.Timestamp())
		// The receiver is unchanged.
		require.Equal(t, in, v.String())
	}
}

func TestIncrementSourceCount(t *testing.T) {
	require.Equal(t, devel+"/1.0-2", MustParseVersion(devel+"/1.0-1").IncrementSourceCount().String())
	require.Equal(t, devel+"//shadow/1.0-1.1", MustParseVersion(devel+"//shadow/1.0-1").IncrementSourceCount().String())
	require.Equal(t, devel+"//shadow/1.0-1.2", MustParseVersion(devel+"//shadow/1.0-1.1").IncrementSourceCount().String())
}

func TestParentVersion(t *testing.T) {
	for in, want := range map[string]string{
		devel + "//shadow/1.0-1.1":   devel + "/1.0-1",
		devel + "//shadow/1.0-1":     devel + "/1.0-1",
		devel + "//shadow/1.0-1-1":   devel + "/1.0-1-1",
		devel + "/1.0-1/branch/2":    devel + "/1.0-1",
		devel + "/1.0-1-1/branch/1":  devel + "/1.0-1-1",
		devel + "//a//b/1.0-1.0.1":   devel + "//a/1.0-1.0",
		devel + "//a//b/1.0-1.1-0.1": devel + "//a/1.0-1.1-0.1",
	} {
		v := MustParseVersion(in)
		require.True(t, v.HasParentVersion(), in)
		require.Equal(t, want, v.ParentVersion().String(), in)
	}
	for _, s := range []string{
		devel + "/1.0-1",
		devel + "/1.0-1-1",
		devel + "/1.0-1-0/branch/1",
		devel + "//shadow/1.0-1-0.1",
		devel + "//shadow/1.0-1.1-1",
	} {
		v := MustParseVersion(s)
		require.False(t, v.HasParentVersion(), s)
		require.Nil(t, v.ParentVersion(), s)
	}
}

func TestBranchedBinary(t *testing.T) {
	require.True(t, MustParseVersion(devel+"/1.0-1-1/branch/1").IsBranchedBinary())
	require.True(t, MustParseVersion(devel+"//shadow/1.0-1-1").IsBranchedBinary())
	require.False(t, MustParseVersion(devel+"/1.0-1-0/branch/1").IsBranchedBinary())
	require.False(t, MustParseVersion(devel+"//shadow/1.0-1-0.1").IsBranchedBinary())
	require.False(t, MustParseVersion(devel+"/1.0-1").IsBranchedBinary())
}

func TestSourceAndBinaryVersion(t *testing.T) {
	fixedClock(t, 5)
	src := MustParseVersion(devel + "/1.0-1/branch/2")
	bin := src.BinaryVersion().IncrementBuildCount()
	require.Equal(t, devel+"/1.0-1-0/branch/2-1", bin.String())
	require.True(t, bin.SourceVersion().Equal(src))
	require.False(t, bin.IsBranchedBinary())

	shadowSrc := MustParseVersion(devel + "/1.0-1/branch//shadow/2")
	bin = shadowSrc.BinaryVersion().IncrementBuildCount()
	require.Equal(t, devel+"/1.0-1-0/branch//shadow/2-0.1", bin.String())
	require.True(t, bin.SourceVersion().Equal(shadowSrc))

	// Top level sources are their own binary version.
	top := MustParseVersion(devel + "/1.0-1")
	require.True(t, top.BinaryVersion().Equal(top))
}

func TestCanonicalVersion(t *testing.T) {
	require.Equal(t, devel+"/1.0-1-1", MustParseVersion(devel+"//shadow/1.0-1-1").CanonicalVersion().String())
	require.Equal(t, devel+"//shadow/1.0-1.1", MustParseVersion(devel+"//shadow/1.0-1.1").CanonicalVersion().String())
	require.Equal(t, devel+"/1.0-1", MustParseVersion(devel+"//a//b/1.0-1").CanonicalVersion().String())
}

func TestShadowPredicates(t *testing.T) {
	require.True(t, MustParseVersion(devel+"//shadow/1.0-1").IsShadow())
	require.False(t, MustParseVersion(devel+"//shadow/1.0-1").IsModifiedShadow())
	require.True(t, MustParseVersion(devel+"//shadow/1.0-1.1").IsModifiedShadow())
	require.True(t, MustParseVersion(devel+"//shadow/1.0-1-0.1").IsModifiedShadow())
	require.False(t, MustParseVersion(devel+"/1.0-1/branch/2").IsShadow())
}

func TestCreateShadowAndBranch(t *testing.T) {
	fixedClock(t, 42)
	v := MustParseVersion(devel + "/1.0-1-1")
	shadow := v.CreateShadow(MustParseLabel("repo.example.com@rpl:shadow"))
	require.Equal(t, devel+"//shadow/1.0-1-1", shadow.String())
	require.Equal(t, float64(42), shadow.Timestamp())

	b := v.CreateBranch(MustParseLabel("other.example.com@rpl:branch"))
	require.Equal(t, devel+"/1.0-1-1/other.example.com@rpl:branch", b.String())
	require.Equal(t, devel+"/1.0-1-1/other.example.com@rpl:branch/1", v.CreateBranchVersion(b.Label()).String())

	nv := b.CreateVersion(MustParseVersion(devel + "/2.0-1").TrailingRevision())
	require.Equal(t, devel+"/1.0-1-1/other.example.com@rpl:branch/2.0-1", nv.String())
	require.Equal(t, float64(42), nv.Timestamp())
}

func TestBranchParents(t *testing.T) {
	b := MustParseBranch(devel + "/1.0-1/branch")
	require.True(t, b.HasParentBranch())
	require.Equal(t, devel, b.ParentBranch().String())
	s := MustParseBranch(devel + "//shadow")
	require.True(t, s.IsShadow())
	require.Equal(t, devel, s.ParentBranch().String())
	top := MustParseBranch(devel)
	require.False(t, top.HasParentBranch())
	require.Nil(t, top.ParentBranch())
	require.Equal(t, "repo.example.com@rpl:devel", top.Label().String())
}

func TestCompare(t *testing.T) {
	a, err := MustParseVersion(devel + "/1.0-1-1").WithTimestamps([]float64{1})
	require.NoError(t, err)
	b, err := MustParseVersion(devel + "/1.0-1-2").WithTimestamps([]float64{2})
	require.NoError(t, err)
	c, err := Compare(a, b)
	require.NoError(t, err)
	require.Equal(t, -1, c)
	_, err = Compare(a, MustParseVersion(devel+"//shadow/1.0-1-1"))
	require.ErrorIs(t, err, ErrUnorderable)
}

func TestSerialNumber(t *testing.T) {
	s, err := ParseSerialNumber("1.2")
	require.NoError(t, err)
	require.Equal(t, 1, s.ShadowCount())
	require.Equal(t, SerialNumber{1}, s.Truncate(0))
	require.Equal(t, SerialNumber{1, 3}, s.Increment(1))
	require.Equal(t, SerialNumber{1, 2, 1}, s.Increment(2))
	require.Equal(t, -1, SerialNumber{1}.Compare(SerialNumber{1, 0}))
	require.Equal(t, 1, SerialNumber{2}.Compare(SerialNumber{1, 9}))
	for _, bad := range []string{"", "1..2", "-1", "a", "+1"} {
		_, err := ParseSerialNumber(bad)
		require.Error(t, err, bad)
	}
}

func TestTextMarshaling(t *testing.T) {
	var v Version
	require.NoError(t, v.UnmarshalText([]byte(devel+"/7.000:1.0-1-1")))
	require.Equal(t, float64(7), v.Timestamp())
	require.NoError(t, v.UnmarshalText([]byte(devel+"/1.0-1-1")))
	require.Equal(t, devel+"/1.0-1-1", v.String())
	b, err := v.MarshalText()
	require.NoError(t, err)
	require.Equal(t, devel+"/0.000:1.0-1-1", string(b))
}
