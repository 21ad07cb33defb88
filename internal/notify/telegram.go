package notify

import (
	"context"
	"fmt"
	"html"

	"auto-apply-go/internal/types"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MessageSender tgbotapi.BotAPI 的发送能力
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier 把异常结束的运行推送到运维群
type TelegramNotifier struct {
	sender MessageSender
	chatID int64
}

// NewTelegramNotifier 用 bot token 创建通知器
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return NewTelegramNotifierWithSender(bot, chatID), nil
}

// NewTelegramNotifierWithSender 使用自定义发送器
func NewTelegramNotifierWithSender(sender MessageSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

// Notify 只推送 ERROR 状态的运行
func (t *TelegramNotifier) Notify(ctx context.Context, event types.RunFinishedEvent) error {
	if event.Status != types.RunStateError {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatRunError(event))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("发送 Telegram 通知失败: %w", err)
	}
	return nil
}

// FormatRunError 运维通知正文
func FormatRunError(event types.RunFinishedEvent) string {
	return fmt.Sprintf(
		"⚠️ <b>Auto-apply run failed</b>\n"+
			"run: <code>%s</code>\n"+
			"user: <code>%s</code>\n"+
			"found/processed/submitted: %d/%d/%d\n"+
			"error: %s",
		html.EscapeString(event.RunID),
		html.EscapeString(event.UserID),
		event.JobsFound, event.JobsProcessed, event.ApplicationsSubmitted,
		html.EscapeString(event.Error),
	)
}
