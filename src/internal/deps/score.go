package deps

// flavorScores[system][trove] is the score of one flag; incompatible pairs are
// missing.
var flavorScores = map[Sense]map[Sense]int{
	SenseUnspecified: {SenseDisallowed: 0, SensePreferred: -1, SensePreferNot: 1},
	SenseRequired:    {SenseRequired: 2, SensePreferred: 1},
	SenseDisallowed:  {SenseDisallowed: 2, SensePreferNot: 1},
	SensePreferred:   {SenseRequired: 1, SensePreferred: 2, SensePreferNot: -1},
	SensePreferNot:   {SenseRequired: -2, SenseDisallowed: 1, SensePreferred: -1, SensePreferNot: 1},
}

func flagScore(system, trove Sense) (int, bool) {
	s, ok := flavorScores[system][trove]
	return s, ok
}

// score rates a trove dependency against the system's dependency of the same
// name.
func (d Dep) score(required Dep) (int, bool) {
	total := 0
	for flag, sense := range required.Flags {
		s, ok := flagScore(d.Flags[flag], sense)
		if !ok {
			return 0, false
		}
		total += s
	}
	return total, true
}

// emptyScore rates a trove dependency against a system that does not have it.
// A dependency without flags can never be satisfied that way.
func (d Dep) emptyScore() (int, bool) {
	if len(d.Flags) == 0 {
		return 0, false
	}
	total := 0
	for _, sense := range d.Flags {
		s, ok := flagScore(SenseUnspecified, sense)
		if !ok {
			return 0, false
		}
		total += s
	}
	return total, true
}

func classScore(c Class, system, trove map[string]Dep) (int, bool) {
	total := 0
	for name, req := range trove {
		var (
			s  int
			ok bool
		)
		if have, found := system[name]; found {
			s, ok = have.score(req)
		} else if c.nameSignificant() {
			return 0, false
		} else {
			s, ok = req.emptyScore()
		}
		if !ok {
			return 0, false
		}
		total += s
		if c.nameSignificant() {
			total++
		}
	}
	return total, true
}

func emptyClassScore(c Class, trove map[string]Dep) (int, bool) {
	if c.nameSignificant() {
		return 0, false
	}
	total := 0
	for _, req := range trove {
		s, ok := req.emptyScore()
		if !ok {
			return 0, false
		}
		total += s
	}
	return total, true
}

// Score rates how well a trove of flavor trove fits a system of flavor f.  The
// second result is false if the trove cannot be used on the system at all.
// Higher scores are better matches.
func (f Flavor) Score(trove Flavor) (int, bool) {
	total := 0
	for c, deps := range trove.classes {
		if len(deps) == 0 {
			continue
		}
		var (
			s  int
			ok bool
		)
		if have, found := f.classes[c]; found {
			s, ok = classScore(c, have, deps)
		} else {
			s, ok = emptyClassScore(c, deps)
		}
		if !ok {
			return 0, false
		}
		total += s
	}
	return total, true
}

// Satisfies reports whether a trove of flavor trove can be used on a system of
// flavor f.
func (f Flavor) Satisfies(trove Flavor) bool {
	_, ok := f.Score(trove)
	return ok
}

// StronglySatisfies is Satisfies with preferences on both sides treated as
// requirements.
func (f Flavor) StronglySatisfies(trove Flavor) bool {
	return f.ToStrong().Satisfies(trove.ToStrong())
}
