// ABOUTME: Derives a stable per-channel identity from a raw sender address
// ABOUTME: Phone numbers are normalized so formatting variants map to one conversation

package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidIdentity is returned when a sender address normalizes to nothing
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the derived sender of an inbound message. It is never persisted on its own.
type Identity struct {
	Channel        store.Channel
	ExternalUserID string
	// ScopedUserID is prefixed with the channel so identities never collide across channels
	ScopedUserID string
}

// phonePrefixes are scheme prefixes messaging providers put in front of addresses
var phonePrefixes = []string{"whatsapp:", "sms:", "tel:"}

// Resolve normalizes raw for the given channel.
// It returns ErrInvalidIdentity for unknown channels and empty results.
func Resolve(channel store.Channel, raw string) (Identity, error) {
	var ext string
	switch channel {
	case store.ChannelSMS:
		ext = normalizePhone(raw)
	case store.ChannelWeb:
		ext = strings.TrimSpace(raw)
	default:
		return Identity{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidIdentity, channel)
	}

	if ext == "" {
		return Identity{}, fmt.Errorf("%w: empty %s sender", ErrInvalidIdentity, channel)
	}

	return Identity{
		Channel:        channel,
		ExternalUserID: ext,
		ScopedUserID:   string(channel) + ":" + ext,
	}, nil
}

func normalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, p := range phonePrefixes {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			break
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '-' || r == '.' || r == '(' || r == ')':
			continue
		case r == '+':
			// only a single leading plus survives
			if b.Len() == 0 {
				b.WriteRune(r)
			}
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}
