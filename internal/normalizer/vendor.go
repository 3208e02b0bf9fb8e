package normalizer

import (
	"regexp"
	"strings"
)

var (
	vendorPunctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	vendorSuffixes    = map[string]bool{
		"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
		"corp": true, "corporation": true, "co": true, "gmbh": true, "plc": true,
	}
)

// CanonicalVendorName folds a vendor name to the key used for vendor
// de-duplication: lowercase, punctuation dropped, legal suffixes removed.
func CanonicalVendorName(name string) string {
	name = strings.ToLower(name)
	name = vendorPunctuation.ReplaceAllString(name, " ")
	words := strings.Fields(name)
	for len(words) > 1 && vendorSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
