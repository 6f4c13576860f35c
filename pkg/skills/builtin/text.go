package builtin

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rcli/relay/pkg/skills"
)

var textParam = skills.Property{Name: "text", Kind: skills.KindString, Description: "Input text", Required: true}

// TextStats is returned by text.count_words.
type TextStats struct {
	Words      int `json:"words"`
	Characters int `json:"characters"`
	Lines      int `json:"lines"`
}

// Text is simple string manipulation.
func Text() skills.Skill {
	return skills.Skill{
		Name:        "text",
		Description: "Count, change case and replace text",
		Category:    "text",
		Tools: []skills.ToolSpec{
			{
				Name:        "count_words",
				Description: "Count words, characters and lines",
				Parameters:  skills.Schema{textParam},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					s := args.String("text")
					lines := 0
					if s != "" {
						lines = strings.Count(s, "\n") + 1
					}
					return TextStats{
						Words:      len(strings.Fields(s)),
						Characters: utf8.RuneCountInString(s),
						Lines:      lines,
					}, nil
				},
			},
			{
				Name:        "upper",
				Description: "Convert text to upper case",
				Parameters:  skills.Schema{textParam},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					return strings.ToUpper(args.String("text")), nil
				},
			},
			{
				Name:        "lower",
				Description: "Convert text to lower case",
				Parameters:  skills.Schema{textParam},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					return strings.ToLower(args.String("text")), nil
				},
			},
			{
				Name:        "replace",
				Description: "Replace occurrences of old with new",
				Parameters: skills.Schema{
					textParam,
					{Name: "old", Kind: skills.KindString, Description: "Substring to find", Required: true},
					{Name: "new", Kind: skills.KindString, Description: "Replacement", Required: true},
					{Name: "count", Kind: skills.KindInteger, Description: "Maximum replacements; all when omitted"},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					n := -1
					if args.Has("count") {
						n = int(args.Int("count"))
					}
					return strings.Replace(args.String("text"), args.String("old"), args.String("new"), n), nil
				},
			},
		},
	}
}
