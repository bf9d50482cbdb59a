// ABOUTME: Tests for identity resolution
// ABOUTME: Covers phone normalization, web trimming, scoping, and invalid input

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func TestResolve_SMS(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"e164", "+15551234567", "+15551234567"},
		{"formatted", "+1 (555) 123-4567", "+15551234567"},
		{"dotted", "555.123.4567", "5551234567"},
		{"whatsapp prefix", "whatsapp:+15551234567", "+15551234567"},
		{"uppercase prefix", "WhatsApp:+15551234567", "+15551234567"},
		{"tel prefix", "tel:+1-555-123-4567", "+15551234567"},
		{"surrounding whitespace", "  +15551234567\n", "+15551234567"},
		{"stray plus", "+1555+1234567", "+15551234567"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Resolve(store.ChannelSMS, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.ExternalUserID)
			assert.Equal(t, "sms:"+tt.want, id.ScopedUserID)
			assert.Equal(t, store.ChannelSMS, id.Channel)
		})
	}
}

func TestResolve_FormattingVariantsConverge(t *testing.T) {
	a, err := Resolve(store.ChannelSMS, "whatsapp:+1 555 123 4567")
	require.NoError(t, err)
	b, err := Resolve(store.ChannelSMS, "+1-555-123-4567")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestResolve_Web(t *testing.T) {
	id, err := Resolve(store.ChannelWeb, "  visitor-abc  ")
	require.NoError(t, err)
	assert.Equal(t, "visitor-abc", id.ExternalUserID)
	assert.Equal(t, "web:visitor-abc", id.ScopedUserID)
}

func TestResolve_ChannelsDoNotCollide(t *testing.T) {
	sms, err := Resolve(store.ChannelSMS, "12345")
	require.NoError(t, err)
	web, err := Resolve(store.ChannelWeb, "12345")
	require.NoError(t, err)

	assert.Equal(t, sms.ExternalUserID, web.ExternalUserID)
	assert.NotEqual(t, sms.ScopedUserID, web.ScopedUserID)
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		channel store.Channel
		raw     string
	}{
		{"empty sms", store.ChannelSMS, ""},
		{"only punctuation", store.ChannelSMS, " (-) . "},
		{"only prefix", store.ChannelSMS, "whatsapp:"},
		{"only plus", store.ChannelSMS, "+"},
		{"blank web", store.ChannelWeb, "   "},
		{"unknown channel", store.Channel("fax"), "+15551234567"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.channel, tt.raw)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
		})
	}
}
