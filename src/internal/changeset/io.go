package changeset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

// magic starts every changeset file.  It is followed by the format as a
// big-endian uint32 and then a zstd stream holding one JSON document.
var magic = []byte("TRVCS\x00")

var codec = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

type fileDiffEntry struct {
	Old    string `json:"old,omitempty"`
	New    string `json:"new"`
	Stream []byte `json:"stream"`
}

type contentEntry struct {
	Key
	Content
}

type document struct {
	Troves    []*trove.Diff   `json:"troves"`
	OldTroves []trove.NVF     `json:"oldTroves,omitempty"`
	FileDiffs []fileDiffEntry `json:"fileDiffs,omitempty"`
	Contents  []contentEntry  `json:"contents,omitempty"`
	Primary   []trove.NVF     `json:"primary,omitempty"`
}

func (cs *ChangeSet) document() *document {
	d := &document{
		Troves:    cs.NewTroves(),
		OldTroves: cs.OldTroves(),
		Primary:   cs.primary,
	}
	for k, s := range cs.fileDiffs {
		d.FileDiffs = append(d.FileDiffs, fileDiffEntry{Old: k.oldID, New: k.newID, Stream: s})
	}
	sortFileDiffs(d.FileDiffs)
	for _, k := range cs.ContentKeys() {
		d.Contents = append(d.Contents, contentEntry{Key: k, Content: cs.contents[k]})
	}
	return d
}

func sortFileDiffs(l []fileDiffEntry) {
	sort.Slice(l, func(i, j int) bool {
		if l[i].New != l[j].New {
			return l[i].New < l[j].New
		}
		return l[i].Old < l[j].Old
	})
}

// Write writes cs to w.  Removed troves cannot be written in FormatV0.
func (cs *ChangeSet) Write(w io.Writer) (retErr error) {
	if cs.Format == FormatV0 {
		if removed := cs.RemovedTroves(); len(removed) > 0 {
			return errors.Errorf("format %v cannot carry removed trove %v", cs.Format, removed[0])
		}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(cs.Format))
	if _, err := w.Write(append(append([]byte{}, magic...), hdr[:]...)); err != nil {
		return errors.Wrap(err, "write header")
	}
	zst, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Wrap(err, "create zstd writer")
	}
	defer errors.Close(&retErr, zst, "close zstd writer")
	stream := codec.BorrowStream(zst)
	defer codec.ReturnStream(stream)
	stream.WriteVal(cs.document())
	if stream.Error != nil {
		return errors.Wrap(stream.Error, "encode changeset")
	}
	return errors.Wrap(stream.Flush(), "flush changeset")
}

// Read reads a changeset written by Write.
func Read(r io.Reader) (*ChangeSet, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, len(magic)+4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if !bytes.Equal(hdr[:len(magic)], magic) {
		return nil, errors.New("not a changeset file")
	}
	format := Format(binary.BigEndian.Uint32(hdr[len(magic):]))
	if format > Latest {
		return nil, errors.Errorf("unsupported changeset format %d", format)
	}
	zst, err := zstd.NewReader(br)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd reader")
	}
	defer zst.Close()
	var d document
	if err := codec.NewDecoder(zst).Decode(&d); err != nil {
		return nil, errors.Wrap(err, "decode changeset")
	}
	cs := New()
	cs.Format = format
	for _, t := range d.Troves {
		if t.Type == trove.TypeRemoved && format == FormatV0 {
			return nil, errors.Errorf("format %v cannot carry removed trove %v", format, t.NewNVF())
		}
		cs.AddTrove(t)
	}
	for _, n := range d.OldTroves {
		cs.AddOldTrove(n)
	}
	for _, fd := range d.FileDiffs {
		cs.AddFileDiff(fd.Old, fd.New, fd.Stream)
	}
	for _, c := range d.Contents {
		if err := cs.AddContents(c.PathID, c.FileID, c.Content); err != nil {
			return nil, err
		}
	}
	cs.primary = d.Primary
	return cs, nil
}

// WriteFile writes cs to path through a temporary file in the same
// directory, and returns the size written.
func (cs *ChangeSet) WriteFile(path string) (_ int64, retErr error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".changeset-*")
	if err != nil {
		return 0, errors.Wrap(err, "create temporary changeset file")
	}
	var ok bool
	defer func() {
		if !ok {
			errors.JoinInto(&retErr, errors.Wrap(os.Remove(f.Name()), "remove partial changeset"))
		}
	}()
	bw := bufio.NewWriter(f)
	if err := cs.Write(bw); err != nil {
		errors.Close(&err, f, "close temporary changeset file")
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		errors.Close(&err, f, "close temporary changeset file")
		return 0, errors.Wrap(err, "flush changeset file")
	}
	info, err := f.Stat()
	if err != nil {
		errors.Close(&err, f, "close temporary changeset file")
		return 0, errors.Wrap(err, "stat changeset file")
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, "close temporary changeset file")
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return 0, errors.Wrap(err, "rename changeset file")
	}
	ok = true
	return info.Size(), nil
}

// ReadFile reads the changeset stored at path.
func ReadFile(path string) (_ *ChangeSet, retErr error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open changeset file")
	}
	defer errors.Close(&retErr, f, "close changeset file %v", path)
	return Read(f)
}
