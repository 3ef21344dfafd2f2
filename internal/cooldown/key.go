package cooldown

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// KeyScope selects how finely cooldown state is partitioned.
type KeyScope string

const (
	// ScopeChannel shares one window per channel.
	ScopeChannel KeyScope = "channel"
	// ScopeChannelAuthor gives every author their own window within a channel.
	ScopeChannelAuthor KeyScope = "channel_author"
)

// BuildKey builds the cooldown key for a trigger. Every caller goes through
// this function so the partitioning stays consistent across processes.
//
//	channel:        {platform}:{scope}
//	channel_author: {platform}:{scope}:author:{authorID}
func BuildKey(ks KeyScope, platform string, scope bus.Scope, authorID string) string {
	if ks == ScopeChannelAuthor && authorID != "" {
		return fmt.Sprintf("%s:%s:author:%s", platform, scope, authorID)
	}
	return fmt.Sprintf("%s:%s", platform, scope)
}

// ParseKey splits a key built by BuildKey. authorID is empty for channel keys.
func ParseKey(key string) (platform string, scope bus.Scope, authorID string) {
	parts := strings.SplitN(key, ":", 4)
	switch {
	case len(parts) == 4 && parts[2] == "author":
		return parts[0], bus.Scope(parts[1]), parts[3]
	case len(parts) >= 2:
		return parts[0], bus.Scope(strings.Join(parts[1:], ":")), ""
	}
	return "", bus.Scope(key), ""
}
