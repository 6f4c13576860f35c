package budget

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/rcli/relay/pkg/skills"
)

// KeywordRanker scores tools by word overlap between the message and the
// tool's skill, category, name and description. Skill and category hits
// weigh most.
type KeywordRanker struct{}

const (
	weightSkill       = 3
	weightName        = 2
	weightDescription = 1
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "for": true, "from": true,
	"how": true, "i": true, "in": true, "into": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "please": true,
	"that": true, "the": true, "this": true, "to": true, "what": true,
	"with": true, "you": true,
}

// Rank implements Ranker. It never fails.
func (KeywordRanker) Rank(_ context.Context, message string, tools []*skills.Tool) ([]*skills.Tool, error) {
	words := Keywords(message)
	scores := make(map[*skills.Tool]int, len(tools))
	for _, t := range tools {
		scores[t] = Score(words, t)
	}
	out := clone(tools)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out, nil
}

// Score returns how well t matches the message keywords.
func Score(words []string, t *skills.Tool) int {
	if len(words) == 0 {
		return 0
	}
	fields := []struct {
		text   string
		weight int
	}{
		{t.SkillName(), weightSkill},
		{t.Category(), weightSkill},
		{t.Name(), weightName},
		{t.Description(), weightDescription},
	}
	score := 0
	for _, w := range words {
		best := 0
		for _, f := range fields {
			if f.weight > best && containsWord(Keywords(f.text), w) {
				best = f.weight
			}
		}
		score += best
	}
	return score
}

// Keywords lowercases s, splits it on anything but letters and digits and
// drops stopwords.
func Keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w || stem(x) == stem(w) {
			return true
		}
	}
	return false
}

// stem folds simple plurals so "files" matches "file".
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}
