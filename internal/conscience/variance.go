package conscience

import "encoding/json"

// =============================================================================
// IDENTITY VARIANCE
// =============================================================================

// IdentityVariance computes the fraction of identity attributes a proposed
// write would alter: keys added, removed, or changed, over the union of
// keys in both versions. Two empty identities have zero variance.
//
// Values are compared by canonical JSON encoding so that semantically equal
// nested structures do not count as changes.
func IdentityVariance(current, proposed map[string]any) float64 {
	union := make(map[string]bool, len(current)+len(proposed))
	for k := range current {
		union[k] = true
	}
	for k := range proposed {
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}

	altered := 0
	for k := range union {
		cv, inCurrent := current[k]
		pv, inProposed := proposed[k]
		if !inCurrent || !inProposed {
			altered++
			continue
		}
		cj, cerr := canonical(cv)
		pj, perr := canonical(pv)
		if cerr != nil || perr != nil || cj != pj {
			altered++
		}
	}
	return float64(altered) / float64(len(union))
}

// canonical renders a value as JSON. encoding/json sorts map keys, which
// makes the encoding stable for comparison. Unencodable values err toward
// counting a change.
func canonical(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
