package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcli/relay/pkg/skills"
)

var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	time.RFC1123Z,
	time.RFC1123,
}

// DateTimeResult describes an instant.
type DateTimeResult struct {
	ISO      string `json:"iso"`
	Unix     int64  `json:"unix"`
	Weekday  string `json:"weekday"`
	Timezone string `json:"timezone"`
}

func describeTime(t time.Time) DateTimeResult {
	name, _ := t.Zone()
	return DateTimeResult{
		ISO:      t.Format(time.RFC3339),
		Unix:     t.Unix(),
		Weekday:  t.Weekday().String(),
		Timezone: name,
	}
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// DateTime reports and parses dates. now may be nil.
func DateTime(now func() time.Time) skills.Skill {
	if now == nil {
		now = time.Now
	}
	return skills.Skill{
		Name:        "datetime",
		Description: "Current time and date parsing",
		Category:    "datetime",
		Tools: []skills.ToolSpec{
			{
				Name:        "now",
				Description: "Current date and time, optionally in an IANA timezone",
				Parameters: skills.Schema{
					{Name: "timezone", Kind: skills.KindString, Description: "IANA name such as Europe/Madrid"},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					loc, err := location(args.String("timezone"))
					if err != nil {
						return nil, err
					}
					return describeTime(now().In(loc)), nil
				},
			},
			{
				Name:        "parse",
				Description: "Parse a date string into ISO 8601, unix seconds and weekday",
				Parameters: skills.Schema{
					{Name: "value", Kind: skills.KindString, Description: "Date to parse", Required: true},
					{Name: "layout", Kind: skills.KindString, Description: "Go time layout; common formats are tried when empty"},
					{Name: "timezone", Kind: skills.KindString, Description: "Zone for values without one"},
				},
				Handler: func(_ context.Context, args skills.Args) (any, error) {
					loc, err := location(args.String("timezone"))
					if err != nil {
						return nil, err
					}
					value := strings.TrimSpace(args.String("value"))
					layouts := parseLayouts
					if l := args.String("layout"); l != "" {
						layouts = []string{l}
					}
					for _, layout := range layouts {
						if t, err := time.ParseInLocation(layout, value, loc); err == nil {
							return describeTime(t), nil
						}
					}
					return nil, fmt.Errorf("cannot parse %q as a date", value)
				},
			},
		},
	}
}
