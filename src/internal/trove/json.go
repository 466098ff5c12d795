package trove

// MarshalJSON writes t with its files and references.
func (t *Trove) MarshalJSON() ([]byte, error) {
	return codec.Marshal(t.MakeDiff(nil, true))
}

// UnmarshalJSON reads a trove written by MarshalJSON.
func (t *Trove) UnmarshalJSON(b []byte) error {
	var d Diff
	if err := codec.Unmarshal(b, &d); err != nil {
		return err
	}
	parsed, err := FromDiff(&d)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
