package log

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type attempt struct{ i, max int }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (a attempt) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("attempt", a.i)
	enc.AddInt("totalAttempts", a.max)
	return nil
}

// RetryAttempt is a Field that encodes the current retry (0-indexed) and the total number of
// retries.  It's intended for a for loop where "i" is the loop iterator and "max" is the upper
// bound "i < max".
func RetryAttempt(i int, max int) Field {
	return zap.Inline(&attempt{i: i, max: max})
}

// Size is a Field containing a byte count in both raw and human-readable form.
func Size(name string, n int64) Field {
	return zap.Object(name, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddInt64("bytes", n)
		if n >= 0 {
			enc.AddString("human", humanize.IBytes(uint64(n)))
		}
		return nil
	}))
}

// Trove identifies a trove by name, version and flavor.
func Trove(name, version, flavor string) Field {
	return zap.Object("trove", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("name", name)
		enc.AddString("version", version)
		if flavor != "" {
			enc.AddString("flavor", flavor)
		}
		return nil
	}))
}
