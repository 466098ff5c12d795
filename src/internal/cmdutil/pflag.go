package cmdutil

import (
	units "github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

var _ pflag.Value = (*SizeFlag)(nil)

// SizeFlag is a pflag.Value holding a human-readable byte count.
type SizeFlag Size

func (value *SizeFlag) String() string {
	return units.BytesSize(float64(*value))
}

func (value *SizeFlag) Set(s string) error {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return errors.Wrapf(err, "invalid size: %s", s)
	}
	*value = SizeFlag(n)
	return nil
}

func (value *SizeFlag) Type() string {
	return "size"
}
