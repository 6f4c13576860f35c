// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"regexp"
)

// InjectionDetector finds instruction-like text in tool output using
// pattern matching.
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// InjectionOption configures the detector.
type InjectionOption func(*InjectionDetector)

var defaultInjectionPatterns = []string{
	// Instruction override
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	`(?i)forget\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	`(?i)override\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,

	// Role manipulation
	`(?i)you\s+are\s+now\s+(a|an)\s+`,
	`(?i)pretend\s+(you\s+are|to\s+be)\s+`,

	// Prompt extraction
	`(?i)(reveal|print|show\s+me)\s+your\s+(system\s+)?(prompt|instructions?)`,

	// Jailbreaks
	`(?i)do\s+anything\s+now`,
	`(?i)bypass\s+(safety|content|filter)`,
	`(?i)developer\s+mode`,

	// Tool steering
	`(?i)(call|invoke|run)\s+the\s+\w+\s+tool`,

	// Chat template delimiters
	`(?i)\]\]\s*system\s*:`,
	`<\|im_start\|>|<\|im_end\|>`,
	`\[/?INST\]`,
	`<</?SYS>>`,
}

// NewInjectionDetector creates a detector with the default patterns.
func NewInjectionDetector(opts ...InjectionOption) *InjectionDetector {
	d := &InjectionDetector{
		patterns: make([]*regexp.Regexp, 0, len(defaultInjectionPatterns)),
	}
	for _, p := range defaultInjectionPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithInjectionPatterns adds custom patterns. Invalid patterns are skipped.
func WithInjectionPatterns(patterns ...string) InjectionOption {
	return func(d *InjectionDetector) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				d.patterns = append(d.patterns, re)
			}
		}
	}
}

// Detect returns the patterns that match text.
func (d *InjectionDetector) Detect(ctx context.Context, text string) []string {
	var matched []string
	for _, p := range d.patterns {
		if ctx.Err() != nil {
			break
		}
		if p.MatchString(text) {
			matched = append(matched, p.String())
		}
	}
	return matched
}
