package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo methods we use, enabling test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notifications to a Discord channel over the REST API. No
// gateway connection is opened; sending messages only needs the bot token.
type Discord struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord: channel ID is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: discord: bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord: %w", err)
		}
		sess = s
	}
	return &Discord{sess: sess, channelID: opts.ChannelID}, nil
}

// Notify posts the text to the configured channel.
func (d *Discord) Notify(ctx context.Context, text string) error {
	if _, err := d.sess.ChannelMessageSend(d.channelID, text); err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}
