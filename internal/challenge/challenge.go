package challenge

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Identity is the normalized name of a challenge. It is the key used by the
// solve ledger and the durable store.
type Identity string

// Normalize returns the Identity for a challenge name.
func Normalize(name string) Identity {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
	// cases.Caser is stateful, so a fresh one per call.
	folded := cases.Fold().String(norm.NFC.String(stripped))
	return Identity(folded)
}

// Challenge is one entry of a catalog. Values are immutable once loaded.
type Challenge struct {
	Flag        string
	Name        string
	Category    string
	Description string
	Difficulty  int
	Reward      int
}

// ID returns the challenge identity.
func (c Challenge) ID() Identity {
	return Normalize(c.Name)
}

func (c Challenge) String() string {
	return c.Name
}
