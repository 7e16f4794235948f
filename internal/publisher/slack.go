package publisher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackutilsx"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// slackTextLimit is the chat.postMessage text length cap.
const slackTextLimit = 40000

// slackPermanentErrors are API error codes that no amount of retrying fixes.
var slackPermanentErrors = map[string]bool{
	"channel_not_found":   true,
	"not_in_channel":      true,
	"is_archived":         true,
	"message_not_found":   true,
	"cant_update_message": true,
	"edit_window_closed":  true,
	"msg_too_long":        true,
	"no_text":             true,
	"invalid_auth":        true,
	"token_revoked":       true,
	"account_inactive":    true,
	"missing_scope":       true,
}

// SlackPublisher delivers rendered turns through the Slack Web API. Targets
// are channel IDs; handles are message timestamps.
type SlackPublisher struct {
	client *slack.Client
	log    *logger.Logger
}

func NewSlackPublisher(token string, timeout time.Duration, log *logger.Logger) *SlackPublisher {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := slack.New(token, slack.OptionHTTPClient(&http.Client{Timeout: timeout}))
	return &SlackPublisher{
		client: client,
		log:    log.WithFields(zap.String("component", "slack_publisher")),
	}
}

func (p *SlackPublisher) Send(ctx context.Context, target, text string) (string, error) {
	_, timestamp, err := p.client.PostMessageContext(ctx, target,
		slack.MsgOptionText(slackMarkdown(text), false),
		slack.MsgOptionDisableLinkNames(),
	)
	if err != nil {
		return "", mapSlackError(err)
	}
	return timestamp, nil
}

func (p *SlackPublisher) Edit(ctx context.Context, target, handle, text string) error {
	_, _, _, err := p.client.UpdateMessageContext(ctx, target, handle,
		slack.MsgOptionText(slackMarkdown(text), false),
		slack.MsgOptionDisableLinkNames(),
	)
	if err != nil {
		return mapSlackError(err)
	}
	return nil
}

// slackMarkdown prepares renderer output for mrkdwn. Italic syntax already
// lines up and only the HTML control characters need escaping, but quote
// prefixes must survive unescaped or the blockquote is lost.
func slackMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if rest, ok := strings.CutPrefix(line, "> "); ok {
			lines[i] = "> " + slackutilsx.EscapeMessage(rest)
		} else {
			lines[i] = slackutilsx.EscapeMessage(line)
		}
	}
	return clip(strings.Join(lines, "\n"), slackTextLimit)
}

// mapSlackError classifies Web API failures. The client surfaces API error
// codes as bare error strings and rate limits as a typed error carrying the
// Retry-After delay.
func mapSlackError(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return NewTransient(err, rl.RetryAfter)
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		if status.Code >= 500 {
			return NewTransient(err, 0)
		}
		return NewPermanent(err)
	}
	if slackPermanentErrors[err.Error()] {
		return NewPermanent(err)
	}
	return NewTransient(err, 0)
}
