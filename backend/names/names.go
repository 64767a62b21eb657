// Package names generates decorative room names.
package names

import (
	_ "embed"
	"math/rand/v2"
	"strings"
)

var (
	//go:embed words/adjectives
	adjectivesRaw string
	//go:embed words/nouns
	nounsRaw string
	//go:embed words/verbs
	verbsRaw string

	adjectives = split(adjectivesRaw)
	nouns      = split(nounsRaw)
	verbs      = split(verbsRaw)
)

// Room returns a name in the form adjective-noun-verb.
func Room() string {
	return pick(adjectives) + "-" + pick(nouns) + "-" + pick(verbs)
}

func pick(words []string) string {
	return words[rand.IntN(len(words))]
}

func split(raw string) []string {
	var words []string
	for _, w := range strings.Split(raw, "\n") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}
