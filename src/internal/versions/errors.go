package versions

import (
	"fmt"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

// ErrUnorderable is returned when comparing versions that are not on the same branch.
var ErrUnorderable = errors.New("versions on different branches cannot be ordered")

func parseErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&repoerr.ParseError{Msg: fmt.Sprintf(format, args...)})
}
