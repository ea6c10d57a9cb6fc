package campaign

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"coldreach/models"
)

// Personalizer renders subject/body templates for a lead. Rendering is a pure
// function: the same template, lead and seed always produce the same text, so
// a reschedule never changes content already chosen for a lead.
type Personalizer struct{}

// NewPersonalizer returns a stateless Personalizer.
func NewPersonalizer() *Personalizer { return &Personalizer{} }

var tokenPattern = regexp.MustCompile(`\{\{?\s*([A-Za-z][A-Za-z0-9_]*)\s*\}?\}`)

// Render resolves spintax groups and substitutes lead tokens. The seed (the
// lead's email by convention) drives spintax choices deterministically.
// Malformed spintax leaves the template text untouched; content must never
// block scheduling.
func (p *Personalizer) Render(template string, lead *models.Lead, seed string) string {
	out := resolveSpintax(template, seed)
	return substituteTokens(out, lead)
}

// resolveSpintax picks one option per {a|b|c} group, nested groups allowed.
// Choices hash the seed together with the group's ordinal position so the
// same lead always takes the same branch.
func resolveSpintax(template, seed string) string {
	ordinal := 0
	out, ok := resolveGroups(template, seed, &ordinal)
	if !ok {
		return template
	}
	return out
}

func resolveGroups(s, seed string, ordinal *int) (string, bool) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}

		end, ok := matchingBrace(s, i)
		if !ok {
			return "", false
		}
		inner := s[i+1 : end]

		opts, isSpin := splitOptions(inner)
		if !isSpin {
			// No top-level pipe: a substitution token, not spintax. Keep it
			// verbatim for the token pass.
			b.WriteString(s[i : end+1])
			i = end + 1
			continue
		}

		choice := opts[pickOption(seed, *ordinal, len(opts))]
		*ordinal++

		resolved, ok := resolveGroups(choice, seed, ordinal)
		if !ok {
			return "", false
		}
		b.WriteString(resolved)
		i = end + 1
	}
	return b.String(), true
}

// matchingBrace finds the close brace matching the open brace at s[open].
func matchingBrace(s string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// splitOptions splits group content on top-level pipes. A group with no
// top-level pipe is not spintax.
func splitOptions(inner string) ([]string, bool) {
	var opts []string
	depth := 0
	last := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 {
				opts = append(opts, inner[last:i])
				last = i + 1
			}
		}
	}
	if len(opts) == 0 {
		return nil, false
	}
	opts = append(opts, inner[last:])
	return opts, true
}

func pickOption(seed string, ordinal, n int) int {
	h := fnv.New32a()
	h.Write([]byte(seed))
	h.Write([]byte("#"))
	h.Write([]byte(strconv.Itoa(ordinal)))
	return int(h.Sum32() % uint32(n))
}

// substituteTokens replaces {{firstName}}, {firstName} and {first_name} style
// tokens with lead attributes. Unknown tokens become empty strings.
func substituteTokens(s string, lead *models.Lead) string {
	attrs := leadAttributes(lead)
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		key := strings.ReplaceAll(strings.ToLower(name), "_", "")
		return attrs[key]
	})
}

func leadAttributes(lead *models.Lead) map[string]string {
	if lead == nil {
		return map[string]string{}
	}
	return map[string]string{
		"email":     lead.Email,
		"firstname": lead.FirstName,
		"lastname":  lead.LastName,
		"fullname":  lead.FullName(),
		"name":      lead.FullName(),
		"company":   lead.Company,
		"jobtitle":  lead.JobTitle,
		"position":  lead.JobTitle,
		"phone":     lead.Phone,
		"website":   lead.Website,
	}
}
