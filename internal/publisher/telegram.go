package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// telegramTextLimit is the Bot API message length cap after entity parsing.
const telegramTextLimit = 4096

// markdownV2Escaper escapes every character MarkdownV2 reserves. The
// backslash goes first so escapes we emit are not re-escaped.
var markdownV2Escaper = strings.NewReplacer(
	"\\", "\\\\",
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

// TelegramPublisher delivers rendered turns through the Telegram Bot API.
// Targets are chat IDs ("-1001234") or public channel names ("@mychannel");
// handles are message IDs as decimal strings.
type TelegramPublisher struct {
	bot *tgbotapi.BotAPI
	log *logger.Logger
}

// NewTelegramPublisher authenticates against the Bot API. The HTTP timeout
// backstops calls because the client library does not take a context.
func NewTelegramPublisher(token string, timeout time.Duration, log *logger.Logger) (*TelegramPublisher, error) {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram auth failed: %w", err)
	}
	return &TelegramPublisher{
		bot: bot,
		log: log.WithFields(zap.String("component", "telegram_publisher")),
	}, nil
}

func (p *TelegramPublisher) Send(ctx context.Context, target, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, username, err := parseTelegramTarget(target)
	if err != nil {
		return "", NewPermanent(err)
	}

	msg := tgbotapi.MessageConfig{
		BaseChat:              tgbotapi.BaseChat{ChatID: chatID, ChannelUsername: username},
		Text:                  telegramMarkdown(text),
		ParseMode:             tgbotapi.ModeMarkdownV2,
		DisableWebPagePreview: true,
	}
	sent, err := p.bot.Send(msg)
	if isTelegramParseError(err) {
		// Rendered content defeated the escaper; deliver unformatted rather
		// than drop the message.
		p.log.Debug("Falling back to plain text message", zap.String("target", target), zap.Error(err))
		msg.ParseMode = ""
		msg.Text = clip(text, telegramTextLimit)
		sent, err = p.bot.Send(msg)
	}
	if err != nil {
		return "", mapTelegramError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (p *TelegramPublisher) Edit(ctx context.Context, target, handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, username, err := parseTelegramTarget(target)
	if err != nil {
		return NewPermanent(err)
	}
	messageID, err := strconv.Atoi(handle)
	if err != nil {
		return NewPermanent(fmt.Errorf("invalid telegram message handle %q: %w", handle, err))
	}

	edit := tgbotapi.EditMessageTextConfig{
		BaseEdit:              tgbotapi.BaseEdit{ChatID: chatID, ChannelUsername: username, MessageID: messageID},
		Text:                  telegramMarkdown(text),
		ParseMode:             tgbotapi.ModeMarkdownV2,
		DisableWebPagePreview: true,
	}
	_, err = p.bot.Send(edit)
	if isTelegramParseError(err) {
		p.log.Debug("Falling back to plain text edit", zap.String("target", target), zap.Error(err))
		edit.ParseMode = ""
		edit.Text = clip(text, telegramTextLimit)
		_, err = p.bot.Send(edit)
	}
	if isTelegramNotModified(err) {
		return nil
	}
	if err != nil {
		return mapTelegramError(err)
	}
	return nil
}

func parseTelegramTarget(target string) (int64, string, error) {
	if strings.HasPrefix(target, "@") {
		return 0, target, nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}
	return id, "", nil
}

// telegramMarkdown converts renderer output to MarkdownV2. Quote prefixes
// and italic thinking lines survive; everything else is escaped literally.
func telegramMarkdown(text string) string {
	lines := strings.Split(clip(text, telegramTextLimit), "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "> "):
			lines[i] = ">" + markdownV2Escaper.Replace(line[2:])
		case len(line) > 2 && strings.HasPrefix(line, "_") && strings.HasSuffix(line, "_"):
			lines[i] = "_" + markdownV2Escaper.Replace(line[1:len(line)-1]) + "_"
		default:
			lines[i] = markdownV2Escaper.Replace(line)
		}
	}
	return strings.Join(lines, "\n")
}

func isTelegramParseError(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "can't parse entities")
}

// isTelegramNotModified reports the no-op edit rejection, which callers may
// treat as success.
func isTelegramNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}

// mapTelegramError classifies Bot API failures. 429 carries the server's
// retry delay; other 4xx responses will not succeed on retry.
func mapTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return NewTransient(err, time.Duration(apiErr.RetryAfter)*time.Second)
		case apiErr.Code >= 500:
			return NewTransient(err, 0)
		default:
			return NewPermanent(err)
		}
	}
	return NewTransient(err, 0)
}
