package policy

import "strings"

// FactClass is the storage treatment a fact key earns: pinned facts are
// guaranteed a place in every context bundle, policy-flagged facts survive
// any truncation.
type FactClass struct {
	Pinned        bool
	PolicyFlagged bool
}

var (
	policyKeyMarkers = []string{
		"policy", "compliance", "retention", "consent", "safety",
		"legal", "gdpr", "audit",
	}
	pinnedKeyMarkers = []string{
		"rule", "invariant", "constraint", "must", "never",
	}
	disallowedKeyMarkers = []string{
		"password", "passphrase", "private_key", "ssn",
		"credit_card", "card_number",
	}
)

// ClassifyKey derives the storage treatment from the fact key itself.
// Extraction may also flag facts; callers combine both signals.
func ClassifyKey(key string) FactClass {
	k := strings.ToLower(strings.TrimSpace(key))
	var class FactClass
	for _, marker := range policyKeyMarkers {
		if strings.Contains(k, marker) {
			class.PolicyFlagged = true
			break
		}
	}
	for _, marker := range pinnedKeyMarkers {
		if strings.Contains(k, marker) {
			class.Pinned = true
			break
		}
	}
	return class
}

// DisallowedKey reports keys whose values must never be stored as facts.
func DisallowedKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, marker := range disallowedKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
