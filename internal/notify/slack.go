package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackPoster abstracts the Slack API methods we use, enabling test mocks.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notifications to a Slack channel via the Web API.
type Slack struct {
	client    slackPoster
	channelID string
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackPoster
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack: channel ID is required")
	}
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

// Notify posts the text to the configured channel.
func (s *Slack) Notify(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("notify: slack send: %w", err)
	}
	return nil
}
