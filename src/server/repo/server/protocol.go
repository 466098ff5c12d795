package server

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

// ServerVersions are the protocol versions this server speaks.
var ServerVersions = []int{36, 37, 38, 39, 40, 41, 42}

const (
	// removedTrovesVersion is the first protocol version that understands
	// removed troves in changesets.
	removedTrovesVersion = 38
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one repository call.
type Request struct {
	Method        string              `json:"method"`
	ClientVersion int                 `json:"clientVersion"`
	Args          jsoniter.RawMessage `json:"args,omitempty"`
}

// Error is a marshalled repository error.
type Error struct {
	Kind string   `json:"kind"`
	Args []string `json:"args,omitempty"`
}

// Response is the answer to a Request.  Exactly one of Result and Error is
// meaningful.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	// UsedAnonymous is set when the call only succeeded after the explicit
	// credentials were dropped in favor of the anonymous user.
	UsedAnonymous bool   `json:"usedAnonymous,omitempty"`
	Error         *Error `json:"error,omitempty"`
}

// Err turns a marshalled error back into a Go error.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return repoerr.Unmarshal(r.Error.Kind, r.Error.Args)
}

func supportedVersion(v int) bool {
	for _, s := range ServerVersions {
		if s == v {
			return true
		}
	}
	return false
}

// checkNVFs rejects troves sent without a version.
func checkNVFs(l []trove.NVF) error {
	for _, n := range l {
		if n.Name == "" || n.Version == nil {
			return errors.WithStack(&repoerr.ParseError{Msg: fmt.Sprintf("incomplete trove %q", n.Name)})
		}
	}
	return nil
}

// decodeArgs unmarshals a call's arguments into out.  Missing arguments
// leave out at its zero value.
func decodeArgs(args jsoniter.RawMessage, out interface{}) error {
	if len(bytes.TrimSpace(args)) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return errors.WithStack(&repoerr.ParseError{Msg: "bad arguments: " + err.Error()})
	}
	return nil
}

// DecodeRequest reads one request from r.
func DecodeRequest(r io.Reader, req *Request) error {
	if err := json.NewDecoder(r).Decode(req); err != nil {
		return errors.Wrap(err, "decode request")
	}
	if req.Method == "" {
		return errors.New("request names no method")
	}
	return nil
}

// EncodeResponse writes resp to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	return errors.EnsureStack(json.NewEncoder(w).Encode(resp))
}
