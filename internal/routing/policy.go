package routing

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Policy holds the business rules applied to the nearest branch.
type Policy struct {
	// ThresholdKM is the inclusive maximum distance for routing to the
	// nearest branch. Farther leads go to DefaultBranch.
	ThresholdKM   float64
	DefaultBranch string
	// Equivalences maps branch keys that are never user-facing to the
	// canonical branch that serves them.
	Equivalences map[string]string
	// Contacts maps every routable branch key to its redirect target.
	Contacts map[string]string
}

// Canonical applies the equivalence collapse to key.
func (p Policy) Canonical(key string) string {
	if to, ok := p.Equivalences[key]; ok {
		return to
	}
	return key
}

// RedirectTarget returns the contact handle for key.
func (p Policy) RedirectTarget(key string) (string, bool) {
	t, ok := p.Contacts[key]
	return t, ok && t != ""
}

// Validate checks the policy is complete for the given branch keys: the
// default branch, every equivalence target and the canonical form of every
// branch must have a redirect target.
func (p Policy) Validate(branchKeys []string) error {
	if p.ThresholdKM < 0 {
		return eris.Errorf("routing: negative threshold %v", p.ThresholdKM)
	}
	if p.DefaultBranch == "" {
		return eris.New("routing: default branch is required")
	}

	required := map[string]bool{p.DefaultBranch: true}
	for from, to := range p.Equivalences {
		if _, chained := p.Equivalences[to]; chained {
			return eris.Errorf("routing: equivalence %q -> %q is chained", from, to)
		}
		required[to] = true
	}
	for _, k := range branchKeys {
		required[p.Canonical(k)] = true
	}

	var missing []string
	for k := range required {
		if _, ok := p.RedirectTarget(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return eris.Errorf("routing: no redirect target for %v", missing)
	}
	return nil
}
