package assertion

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ContentID derives a generated assertion's id from its identifying tuple.
// Equal tuples always hash to the same id, independent of generation order.
func ContentID(section Section, label, procedureID, code string) string {
	return contentID(section, label, procedureID, code, 1)
}

func contentID(section Section, label, procedureID, code string, occurrence int) string {
	parts := []string{string(section), label, procedureID, strings.ToUpper(code)}
	if occurrence > 1 {
		parts = append(parts, "#"+strconv.Itoa(occurrence))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "a_" + hex.EncodeToString(sum[:])[:16]
}

// idAllocator disambiguates repeated tuples within one generation pass.
type idAllocator struct {
	seen map[string]int
}

func newIDAllocator() *idAllocator {
	return &idAllocator{seen: make(map[string]int)}
}

func (a *idAllocator) next(section Section, label, procedureID, code string) string {
	key := strings.Join([]string{string(section), label, procedureID, strings.ToUpper(code)}, "\x1f")
	a.seen[key]++
	return contentID(section, label, procedureID, code, a.seen[key])
}
