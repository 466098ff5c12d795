// Package files implements file objects: the metadata half of a trove's
// files.  A file object is frozen into a stream, and the sha1 of the stream
// with the modification time left out is the file's id.  Contents are stored
// separately, keyed by their own sha1.
package files

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// Type is the file type, written as the first byte of a frozen stream using
// the same letters as ls.
type Type byte

const (
	TypeRegular   Type = '-'
	TypeDirectory Type = 'd'
	TypeSymlink   Type = 'l'
	TypePipe      Type = 'p'
	TypeSocket    Type = 's'
	TypeBlock     Type = 'b'
	TypeChar      Type = 'c'
)

func (t Type) valid() bool {
	switch t {
	case TypeRegular, TypeDirectory, TypeSymlink, TypePipe, TypeSocket, TypeBlock, TypeChar:
		return true
	}
	return false
}

// Flags are the per file flags.
type Flags uint32

const (
	FlagConfig Flags = 1 << iota
	FlagPathDependencyTarget
	FlagInitialContents
	_
	FlagTransient
	FlagSource
	FlagAutoSource
)

func (f Flags) IsConfig() bool          { return f&FlagConfig != 0 }
func (f Flags) IsInitialContents() bool { return f&FlagInitialContents != 0 }
func (f Flags) IsTransient() bool       { return f&FlagTransient != 0 }
func (f Flags) IsSource() bool          { return f&FlagSource != 0 }
func (f Flags) IsAutoSource() bool      { return f&FlagAutoSource != 0 }

// Inode holds ownership, permissions and modification time.
type Inode struct {
	Perms uint32 `json:"perms"`
	Mtime int64  `json:"mtime,omitempty"`
	Owner string `json:"owner"`
	Group string `json:"group"`
}

// Contents identifies a regular file's bytes.
type Contents struct {
	Size int64  `json:"size"`
	SHA1 string `json:"sha1"`
}

// Device holds the numbers of a block or character device.
type Device struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// File is a file object.  PathID is not part of the frozen stream; it is the
// identity of the path within a trove.
type File struct {
	PathID    string    `json:"-"`
	Type      Type      `json:"-"`
	Inode     Inode     `json:"inode"`
	Flags     Flags     `json:"flags"`
	Flavor    string    `json:"flavor,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Contents  *Contents `json:"contents,omitempty"`
	LinkGroup string    `json:"linkGroup,omitempty"`
	Target    string    `json:"target,omitempty"`
	Device    *Device   `json:"device,omitempty"`
}

// streamAPI encodes frozen streams; struct fields are written in declaration
// order and map keys sorted, so a file freezes to the same bytes every time.
var streamAPI = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// HasContents is true for regular files.
func (f *File) HasContents() bool { return f.Type == TypeRegular }

// Freeze returns the frozen stream of f.
func (f *File) Freeze() ([]byte, error) {
	return f.freeze(false)
}

func (f *File) freeze(skipMtime bool) ([]byte, error) {
	if !f.Type.valid() {
		return nil, errors.Errorf("invalid file type %q", f.Type)
	}
	g := *f
	if skipMtime {
		g.Inode.Mtime = 0
	}
	body, err := streamAPI.Marshal(&g)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	return append([]byte{byte(f.Type)}, body...), nil
}

// FileID is the hex sha1 of the frozen stream without the modification time.
func (f *File) FileID() (string, error) {
	frz, err := f.freeze(true)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(frz)
	return hex.EncodeToString(sum[:]), nil
}

// Copy returns a deep copy of f.
func (f *File) Copy() *File {
	g := *f
	g.Tags = append([]string(nil), f.Tags...)
	if f.Contents != nil {
		c := *f.Contents
		g.Contents = &c
	}
	if f.Device != nil {
		d := *f.Device
		g.Device = &d
	}
	return &g
}

// Equal compares two file objects, ignoring modification times.
func (f *File) Equal(o *File) bool {
	a, err := f.freeze(true)
	if err != nil {
		return false
	}
	b, err := o.freeze(true)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Thaw parses a frozen stream.
func Thaw(stream []byte, pathID string) (*File, error) {
	if len(stream) == 0 {
		return nil, errors.New("empty file stream")
	}
	if IsDiff(stream) {
		return nil, errors.New("cannot thaw a relative file diff")
	}
	f := &File{PathID: pathID, Type: Type(stream[0])}
	if !f.Type.valid() {
		return nil, errors.Errorf("invalid file type %q", stream[0])
	}
	if err := streamAPI.Unmarshal(stream[1:], f); err != nil {
		return nil, errors.Wrap(err, "thaw file stream")
	}
	return f, nil
}

// FrozenHasContents reports whether a frozen stream is a regular file.
func FrozenHasContents(stream []byte) bool {
	return len(stream) > 0 && Type(stream[0]) == TypeRegular
}

// FrozenContents returns the contents of a frozen regular file without the
// caller thawing it.
func FrozenContents(stream []byte) (*Contents, error) {
	f, err := Thaw(stream, "")
	if err != nil {
		return nil, err
	}
	if f.Contents == nil {
		return nil, errors.Errorf("file of type %q has no contents", f.Type)
	}
	return f.Contents, nil
}

// FrozenFlags returns the flags of a frozen file.
func FrozenFlags(stream []byte) (Flags, error) {
	f, err := Thaw(stream, "")
	if err != nil {
		return 0, err
	}
	return f.Flags, nil
}
