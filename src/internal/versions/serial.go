package versions

import (
	"strconv"
	"strings"
)

// SerialNumber is a dotted sequence of counters, e.g. "1" or "2.1".  The number of components
// beyond the first is the shadow count.
type SerialNumber []int

// ParseSerialNumber parses a dotted serial number.
func ParseSerialNumber(s string) (SerialNumber, error) {
	if s == "" {
		return nil, parseErrorf("empty serial number")
	}
	parts := strings.Split(s, ".")
	sn := make(SerialNumber, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || p == "" || p[0] == '+' || p[0] == '-' {
			return nil, parseErrorf("serial numbers must be all numeric: %s", s)
		}
		sn[i] = n
	}
	return sn, nil
}

func (s SerialNumber) String() string {
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// ShadowCount is the number of shadow levels this serial number spans.
func (s SerialNumber) ShadowCount() int {
	return len(s) - 1
}

// Truncate returns s with at most count shadow levels.
func (s SerialNumber) Truncate(count int) SerialNumber {
	if len(s) > count+1 {
		return s.copy()[:count+1]
	}
	return s.copy()
}

// Increment pads s with zeros to listLen shadow levels and increments the last component.
func (s SerialNumber) Increment(listLen int) SerialNumber {
	r := s.copy()
	for len(r) < listLen+1 {
		r = append(r, 0)
	}
	r[len(r)-1]++
	return r
}

// Compare orders serial numbers component-wise, then by length.
func (s SerialNumber) Compare(o SerialNumber) int {
	for i := 0; i < len(s) && i < len(o); i++ {
		switch {
		case s[i] < o[i]:
			return -1
		case s[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(s) < len(o):
		return -1
	case len(s) > len(o):
		return 1
	}
	return 0
}

// Equal reports whether s and o have the same components.  Nil equals only nil.
func (s SerialNumber) Equal(o SerialNumber) bool {
	if (s == nil) != (o == nil) {
		return false
	}
	return s.Compare(o) == 0
}

// isBranchPoint is true for the "0" build count that marks a source version branched before any
// binary was built from it.
func (s SerialNumber) isBranchPoint() bool {
	return len(s) == 1 && s[0] == 0
}

func (s SerialNumber) copy() SerialNumber {
	if s == nil {
		return nil
	}
	return append(SerialNumber(nil), s...)
}
