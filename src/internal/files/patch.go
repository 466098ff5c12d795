package files

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// MakePatch returns a textual patch turning old into new.  Config files travel
// as patches against the previous version's contents.
func MakePatch(old, new []byte) []byte {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(string(old), string(new))
	return []byte(dmp.PatchToText(patches))
}

// ApplyPatch applies a patch made by MakePatch to old.  Every hunk must apply.
func ApplyPatch(old, patch []byte) ([]byte, error) {
	dmp := diffmatchpatch.New()
	// Hunks must apply where they were made.
	dmp.MatchThreshold = 0
	patches, err := dmp.PatchFromText(string(patch))
	if err != nil {
		return nil, errors.Wrap(err, "parse config patch")
	}
	result, applied := dmp.PatchApply(patches, string(old))
	for i, ok := range applied {
		if !ok {
			return nil, errors.Errorf("hunk %d of %d failed to apply", i+1, len(applied))
		}
	}
	return []byte(result), nil
}

// UnifiedDiff renders the difference between two contents for error messages.
func UnifiedDiff(fromName, toName string, from, to []byte) string {
	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(from)),
		B:        difflib.SplitLines(string(to)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return s
}

// ContentSHA1 is the hex sha1 content key.
func ContentSHA1(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
