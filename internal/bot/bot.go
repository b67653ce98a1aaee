// Package bot 將 Telegram 指令轉為驗證流程操作並回覆結果.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"
	"keybot/internal/workflow"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Sender 發送訊息，*tgbotapi.BotAPI 即為實作
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot 指令處理器
type Bot struct {
	svc    *workflow.Service
	sender Sender
}

// New 建立 Bot
func New(svc *workflow.Service, sender Sender) *Bot {
	return &Bot{svc: svc, sender: sender}
}

// reply 一則回覆；private 為 true 時優先送到用戶私訊
type reply struct {
	text    string
	private bool
	notice  string // 私訊成功後在原群組顯示的提示
}

// NewAPI 依配置連線 Telegram
func NewAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	if err := tgbotapi.SetLogger(botLogger{}); err != nil {
		return nil, err
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram: %w", err)
	}
	api.Debug = cfg.Debug
	logger.Info(context.Background(), "Telegram bot 已連線", logger.WithDetails(map[string]interface{}{
		"username": api.Self.UserName,
	}))
	return api, nil
}

// Serve 以 long polling 接收更新直到 ctx 結束
func Serve(ctx context.Context, api *tgbotapi.BotAPI, b *Bot) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()
	return b.Run(ctx, updates)
}

// Run 依序處理更新，同一用戶的指令不會交錯
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate 處理單一更新；非指令訊息忽略
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	ctx = middleware.WithRequestMetadata(ctx, &middleware.RequestMetadata{
		IPAddress: "telegram:" + strconv.FormatInt(msg.Chat.ID, 10),
		UserAgent: "telegram-bot",
		RequestID: uuid.New().String(),
	})

	r, ok := b.dispatch(ctx, msg)
	if !ok {
		return
	}
	b.deliver(ctx, msg, r)
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) (reply, bool) {
	uid := msg.From.ID
	args := strings.Fields(msg.CommandArguments())

	var (
		r   reply
		err error
	)
	switch strings.ToLower(msg.Command()) {
	case "getkey":
		r, err = b.getKey(ctx, uid)
	case "verify":
		r, err = b.verify(ctx, uid)
	case "cekkey", "checkkey":
		r = b.checkKey(args)
	case "myid":
		r = renderIdentity(b.svc.WhoAmI(uid))
	case "genkey":
		r, err = b.genKey(ctx, uid, args)
	case "stats":
		r, err = b.stats(ctx, uid)
	case "addadmin":
		r, err = b.addAdmin(ctx, uid, msg, args)
	case "help", "start":
		r = renderHelp(b.svc.WhoAmI(uid).Privileged)
	default:
		return reply{}, false
	}

	if err != nil {
		logger.Error(ctx, "指令處理失敗",
			logger.WithUserID(uid),
			logger.WithAction(msg.Command()),
			logger.WithError(err))
		return reply{text: msgUnavailable}, true
	}
	return r, true
}

func (b *Bot) getKey(ctx context.Context, uid int64) (reply, error) {
	res, err := b.svc.RequestKey(ctx, uid)
	if err != nil {
		return reply{}, err
	}
	return renderRequest(res, b.svc.KeyStore().Now()), nil
}

func (b *Bot) verify(ctx context.Context, uid int64) (reply, error) {
	res, err := b.svc.Verify(ctx, uid)
	if err != nil {
		return reply{}, err
	}
	return renderVerify(res, b.svc.KeyStore().Now()), nil
}

func (b *Bot) checkKey(args []string) reply {
	if len(args) == 0 {
		return reply{text: usageCheckKey}
	}
	key := args[0]
	if err := middleware.ValidateKey(key); err != nil {
		return renderInvalidKey(key, "格式錯誤")
	}
	return renderCheck(key, b.svc.CheckKey(key))
}

func (b *Bot) genKey(ctx context.Context, uid int64, args []string) (reply, error) {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return reply{text: usageGenKey}, nil
		}
		n = v
	}
	res, err := b.svc.BulkIssue(ctx, uid, n)
	if err != nil {
		return reply{}, err
	}
	return renderBulk(res), nil
}

func (b *Bot) stats(ctx context.Context, uid int64) (reply, error) {
	res, err := b.svc.ListAdminStats(ctx, uid)
	if err != nil {
		return reply{}, err
	}
	return renderStats(res), nil
}

// addAdmin 目標可為參數中的 ID 或被回覆訊息的作者
func (b *Bot) addAdmin(ctx context.Context, uid int64, msg *tgbotapi.Message, args []string) (reply, error) {
	var target int64
	switch {
	case len(args) > 0:
		id, err := middleware.ValidateUserID(args[0])
		if err != nil {
			return reply{text: usageAddAdmin}, nil
		}
		target = id
	case msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil:
		target = msg.ReplyToMessage.From.ID
	default:
		return reply{text: usageAddAdmin}, nil
	}

	res, err := b.svc.AddAdmin(ctx, uid, target)
	if err != nil {
		return reply{}, err
	}
	return renderAddAdmin(res, target), nil
}

// deliver 私訊失敗（用戶未開啟對話）時改回原聊天室
func (b *Bot) deliver(ctx context.Context, msg *tgbotapi.Message, r reply) {
	origin := msg.Chat.ID
	if !r.private || msg.Chat.IsPrivate() {
		b.send(ctx, origin, r.text)
		return
	}

	if err := b.send(ctx, msg.From.ID, r.text); err != nil {
		logger.Warning(ctx, "私訊失敗，改在原聊天室回覆",
			logger.WithUserID(msg.From.ID),
			logger.WithError(err))
		b.send(ctx, origin, r.text)
		return
	}
	if r.notice != "" {
		b.send(ctx, origin, r.notice)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	if _, err := b.sender.Send(m); err != nil {
		logger.Error(ctx, "發送訊息失敗", logger.WithError(err), logger.WithDetails(map[string]interface{}{
			"chat_id": chatID,
		}))
		return err
	}
	return nil
}

// botLogger 將 telegram-bot-api 的日誌導向 logger
type botLogger struct{}

func (botLogger) Println(v ...interface{}) {
	logger.Debug(context.Background(), "[telegram] "+strings.TrimSpace(fmt.Sprintln(v...)))
}

func (botLogger) Printf(format string, v ...interface{}) {
	logger.Debug(context.Background(), "[telegram] "+fmt.Sprintf(format, v...))
}
