package trove

import (
	"crypto/sha1"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

var codec = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

type digestRef struct {
	Name      string `json:"n"`
	Version   string `json:"v"`
	Flavor    string `json:"f"`
	ByDefault bool   `json:"d,omitempty"`
	Weak      bool   `json:"w,omitempty"`
}

type digestFile struct {
	PathID  string `json:"p"`
	Path    string `json:"n"`
	FileID  string `json:"i"`
	Version string `json:"v"`
}

// digestBody is everything the trove digest covers.  Signatures, the
// incomplete flag and unknown TroveInfo are left out so that signing and
// committing do not change the digest.
type digestBody struct {
	Name               string       `json:"name"`
	Version            string       `json:"version"`
	Flavor             string       `json:"flavor"`
	Type               Type         `json:"type"`
	Files              []digestFile `json:"files"`
	Troves             []digestRef  `json:"troves"`
	SourceName         string       `json:"sourceName"`
	BuildTime          int64        `json:"buildTime"`
	Size               int64        `json:"size"`
	ClonedFrom         string       `json:"clonedFrom"`
	LoadedTroves       []digestRef  `json:"loadedTroves"`
	BuildReqs          []digestRef  `json:"buildReqs"`
	LabelPath          []string     `json:"labelPath"`
	CompatibilityClass int          `json:"compatibilityClass"`
	TroveVersion       int          `json:"troveVersion"`
	Flags              InfoFlags    `json:"flags"`
}

func nvfRefs(l []NVF) []digestRef {
	result := make([]digestRef, len(l))
	for i, n := range l {
		result[i] = digestRef{Name: n.Name, Version: n.Version.String(), Flavor: n.Flavor.String()}
	}
	return result
}

// ComputeDigest returns the hex sha1 digest of t.
func (t *Trove) ComputeDigest() (string, error) {
	b := digestBody{
		Name:               t.Name,
		Version:            t.Version.String(),
		Flavor:             t.Flavor.String(),
		Type:               t.Type,
		SourceName:         t.Info.SourceName,
		BuildTime:          t.Info.BuildTime,
		Size:               t.Info.Size,
		LoadedTroves:       nvfRefs(t.Info.LoadedTroves),
		BuildReqs:          nvfRefs(t.Info.BuildReqs),
		CompatibilityClass: t.Info.CompatibilityClass,
		TroveVersion:       t.Info.TroveVersion,
		Flags:              t.Info.Flags,
	}
	if t.Info.ClonedFrom != nil {
		b.ClonedFrom = t.Info.ClonedFrom.String()
	}
	for _, l := range t.Info.LabelPath {
		b.LabelPath = append(b.LabelPath, l.String())
	}
	for _, f := range t.Files() {
		b.Files = append(b.Files, digestFile{PathID: f.PathID, Path: f.Path, FileID: f.FileID, Version: f.Version.String()})
	}
	for _, r := range t.Troves(true, true) {
		b.Troves = append(b.Troves, digestRef{
			Name: r.Name, Version: r.Version.String(), Flavor: r.Flavor.String(), ByDefault: r.ByDefault, Weak: r.Weak,
		})
	}
	body, err := codec.Marshal(&b)
	if err != nil {
		return "", errors.EnsureStack(err)
	}
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeDigests stores t's digest in its signatures.
func (t *Trove) ComputeDigests() error {
	d, err := t.ComputeDigest()
	if err != nil {
		return err
	}
	t.Info.Sigs.SHA1 = d
	return nil
}

// VerifyDigests checks the stored digest.  Troves without a digest pass.
func (t *Trove) VerifyDigests() error {
	if t.Info.Sigs.SHA1 == "" {
		return nil
	}
	d, err := t.ComputeDigest()
	if err != nil {
		return err
	}
	if d != t.Info.Sigs.SHA1 {
		return errors.WithStack(&repoerr.TroveIntegrityError{
			Name: t.Name, Version: t.Version.String(), Flavor: t.Flavor.String(), Msg: "trove digest does not match",
		})
	}
	return nil
}

// AddDigitalSignature appends a signature.  A key may sign a trove once.
func (t *Trove) AddDigitalSignature(sig DigitalSignature) error {
	for _, s := range t.Info.Sigs.Digital {
		if s.KeyID == sig.KeyID {
			return errors.Errorf("trove %s is already signed by key %s", t.NVF(), sig.KeyID)
		}
	}
	t.Info.Sigs.Digital = append(t.Info.Sigs.Digital, sig)
	return nil
}
