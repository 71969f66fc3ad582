package manifest

// FirstRepresentation returns the first representation of the first
// adaptation set of type t. A later set of the same type is not consulted,
// so an empty first set gives no result.
func FirstRepresentation(p *Period, t TrackType) (*Representation, bool) {
	if p == nil {
		return nil, false
	}
	for _, set := range p.AdaptationSets {
		if set.Type != t {
			continue
		}
		if len(set.Representations) == 0 {
			return nil, false
		}
		return set.Representations[0], true
	}
	return nil, false
}

// PreferredRepresentation returns the first video representation, falling
// back to the first audio one.
func PreferredRepresentation(p *Period) (*Representation, TrackType, bool) {
	if rep, ok := FirstRepresentation(p, Video); ok {
		return rep, Video, true
	}
	if rep, ok := FirstRepresentation(p, Audio); ok {
		return rep, Audio, true
	}
	return nil, Unknown, false
}
