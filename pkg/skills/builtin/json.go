package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/rcli/relay/pkg/skills"
)

var jsonParam = skills.Property{Name: "data", Kind: skills.KindString, Description: "JSON document", Required: true}

// JSON formats and queries JSON documents.
func JSON() skills.Skill {
	return skills.Skill{
		Name:        "json",
		Description: "Format and query JSON documents",
		Category:    "json",
		Tools: []skills.ToolSpec{
			{
				Name:        "format",
				Description: "Pretty-print or minify a JSON document",
				Parameters: skills.Schema{
					jsonParam,
					{Name: "indent", Kind: skills.KindInteger, Description: "Spaces per level (default 2)"},
					{Name: "minify", Kind: skills.KindBoolean, Description: "Remove all whitespace"},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					data := args.String("data")
					if !gjson.Valid(data) {
						return nil, errors.New("invalid JSON document")
					}
					if args.Bool("minify") {
						return string(pretty.Ugly([]byte(data))), nil
					}
					opts := *pretty.DefaultOptions
					if args.Has("indent") {
						n := args.Int("indent")
						if n < 0 || n > 8 {
							return nil, errors.New("indent must be between 0 and 8")
						}
						opts.Indent = strings.Repeat(" ", int(n))
					}
					return string(pretty.PrettyOptions([]byte(data), &opts)), nil
				},
			},
			{
				Name:        "query",
				Description: "Extract a value with a dot path such as users.0.name or items.#.id",
				Parameters: skills.Schema{
					jsonParam,
					{Name: "path", Kind: skills.KindString, Description: "Dot path", Required: true},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					data := args.String("data")
					if !gjson.Valid(data) {
						return nil, errors.New("invalid JSON document")
					}
					res := gjson.Get(data, args.String("path"))
					if !res.Exists() {
						return nil, fmt.Errorf("path %q not found", args.String("path"))
					}
					return res.Raw, nil
				},
			},
		},
	}
}
