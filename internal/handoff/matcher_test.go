// ABOUTME: Tests for the handoff intent matcher
// ABOUTME: Covers default phrasing, negatives, extra patterns, and versioning

package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatcher_Defaults(t *testing.T) {
	m, err := NewPatternMatcher()
	require.NoError(t, err)

	positives := []string{
		"I want to talk to a human",
		"Can I speak with someone?",
		"please connect me to the care team",
		"TRANSFER ME TO AN AGENT",
		"I need a real person",
		"live agent please",
		"is there someone real I can message",
		"I want a representative",
		"you're not a bot right? I'd rather speak to a live person",
	}
	for _, text := range positives {
		assert.True(t, m.WantsHuman(text), "expected match: %q", text)
	}

	negatives := []string{
		"",
		"   ",
		"What are your opening hours?",
		"I need to reschedule my appointment",
		"humane society phone number?",
		"thanks!",
	}
	for _, text := range negatives {
		assert.False(t, m.WantsHuman(text), "expected no match: %q", text)
	}
}

func TestPatternMatcher_ExtraPatterns(t *testing.T) {
	m, err := NewPatternMatcher(`hablar con (una )?persona`)
	require.NoError(t, err)

	assert.True(t, m.WantsHuman("Quiero HABLAR con una persona"))
	assert.True(t, m.WantsHuman("talk to a human"), "defaults still apply")
	assert.Equal(t, DefaultPatternsVersion+"+1", m.Version())
}

func TestPatternMatcher_InvalidPattern(t *testing.T) {
	_, err := NewPatternMatcher(`([unclosed`)
	assert.Error(t, err)
}

func TestPatternMatcher_Version(t *testing.T) {
	m, err := NewPatternMatcher()
	require.NoError(t, err)
	assert.Equal(t, DefaultPatternsVersion, m.Version())
}
