// ABOUTME: Detects when a customer is asking to speak with a person instead of the agent
// ABOUTME: PatternMatcher is a versioned, extendable list of case-insensitive regexes

package handoff

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether inbound text is a request for a human
type Matcher interface {
	WantsHuman(text string) bool
}

// DefaultPatternsVersion identifies the built-in pattern set. Bump it when
// defaultPatterns changes so logs show which rules made a decision.
const DefaultPatternsVersion = "2"

var defaultPatterns = []string{
	`\b(talk|speak|chat)\s+(to|with)\s+(a|an|the|some|your)?\s*(real\s+|live\s+|actual\s+)?(human|person|agent|representative|rep|operator|someone|somebody|staff|nurse|doctor)\b`,
	`\b(connect|transfer|put)\s+me\s+(to|with|through\s+to)\s+(a|an|the|your)?\s*(real\s+|live\s+)?(human|person|agent|representative|operator|someone|care\s+team|staff)\b`,
	`\b(human|live|real)\s+(agent|person|support|help)\b`,
	`\bsomeone\s+real\b`,
	`\b(care|support)\s+team\b`,
	`\b(want|need|get)\s+(a|an)?\s*(human|person|representative|operator)\b`,
	`\bnot\s+a\s+(bot|robot|machine)\b`,
}

// PatternMatcher matches text against an ordered list of regexes
type PatternMatcher struct {
	patterns []*regexp.Regexp
	version  string
}

// NewPatternMatcher compiles the default patterns plus any extra ones.
// Extra patterns are matched case-insensitively.
func NewPatternMatcher(extra ...string) (*PatternMatcher, error) {
	all := make([]string, 0, len(defaultPatterns)+len(extra))
	all = append(all, defaultPatterns...)
	all = append(all, extra...)

	m := &PatternMatcher{
		patterns: make([]*regexp.Regexp, 0, len(all)),
		version:  DefaultPatternsVersion,
	}
	for i, p := range all {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compiling handoff pattern %d: %w", i, err)
		}
		m.patterns = append(m.patterns, re)
	}
	if len(extra) > 0 {
		m.version = fmt.Sprintf("%s+%d", DefaultPatternsVersion, len(extra))
	}

	return m, nil
}

// WantsHuman reports whether any pattern matches text
func (m *PatternMatcher) WantsHuman(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Version identifies the pattern set, with the number of extra patterns appended
func (m *PatternMatcher) Version() string {
	return m.version
}

var _ Matcher = (*PatternMatcher)(nil)
