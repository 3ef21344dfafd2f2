package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// Intents requested on identify: guild and DM messages with content.
const Intents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// toInbound normalizes a Discord message. Messages without a parseable ID
// or author are dropped.
func toInbound(m *discordgo.Message) (bus.InboundMessage, bool) {
	if m == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	id, err := bus.ParseMessageID(m.ID)
	if err != nil {
		return bus.InboundMessage{}, false
	}

	in := bus.InboundMessage{
		ID:         id,
		Scope:      bus.Scope(m.ChannelID),
		AuthorID:   m.Author.ID,
		AuthorName: displayName(m),
		AuthorBot:  m.Author.Bot,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if ref, err := bus.ParseMessageID(m.MessageReference.MessageID); err == nil {
			in.ReplyTo = &ref
		}
	}
	return in, true
}

// displayName returns the best available display name for a message author.
// Priority: server nickname > global display name > username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
