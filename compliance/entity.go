package compliance

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/AnTengye/coitrack/model"
)

// MatchEntity compares one configured property entity with the parties printed
// on a certificate. Names match when either contains the other, ignoring case,
// punctuation and spacing. A name match with a conflicting address is partial.
func MatchEntity(pe model.PropertyEntity, named model.NamedEntities) (model.EntityMatchStatus, string) {
	var candidates []model.Party
	role := "certificate holder"
	switch pe.Kind {
	case model.PropertyEntityCertificateHolder:
		candidates = []model.Party{named.CertificateHolder}
	case model.PropertyEntityAdditionalInsured:
		candidates = named.AdditionalInsureds
		role = "additional insured"
	}

	var partial *model.Party
	for i := range candidates {
		c := &candidates[i]
		if !containsEither(c.Name, pe.Name) {
			continue
		}
		if addressConflicts(c.Address, pe.Address) {
			if partial == nil {
				partial = c
			}
			continue
		}
		return model.EntityMet, fmt.Sprintf("%q listed as %s", c.Name, role)
	}

	if partial != nil {
		return model.EntityPartialMatch, fmt.Sprintf("%q listed as %s but address %q does not match %q",
			partial.Name, role, partial.Address, pe.Address)
	}
	return model.EntityMissing, fmt.Sprintf("%q not listed as %s", pe.Name, role)
}

func addressConflicts(found, required string) bool {
	f, r := normalize(found), normalize(required)
	if f == "" || r == "" {
		return false
	}
	return !strings.Contains(f, r) && !strings.Contains(r, f)
}

func containsEither(a, b string) bool {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// normalize lowercases s, drops punctuation and collapses whitespace
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
