package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"keybot/internal/keystore"
	"keybot/internal/linkissuer"
	"keybot/internal/platform/config"
	"keybot/internal/storage/document"
	"keybot/internal/workflow"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerID  int64 = 10
	memberID int64 = 20
	groupID  int64 = -100
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	msgs []sent
	fail map[int64]error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	if err := f.fail[m.ChatID]; err != nil {
		return tgbotapi.Message{}, err
	}
	f.msgs = append(f.msgs, sent{chatID: m.ChatID, text: m.Text})
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) reset() []sent {
	out := f.msgs
	f.msgs = nil
	return out
}

type fixture struct {
	bot     *Bot
	sender  *fakeSender
	backend *document.MemoryStore
	keys    *keystore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	backend := document.NewMemoryStore()
	keys, err := keystore.Open(context.Background(), backend, keystore.Options{
		Prefix: "KEY",
		TTL:    24 * time.Hour,
		Clock:  clock,
	})
	require.NoError(t, err)

	svc := workflow.New(workflow.Deps{
		Keys:       keys,
		Links:      linkissuer.New(config.LinkIssuerConfig{LinkURL: "https://ads.example/go"}, linkissuer.WithClock(clock)),
		Privileges: workflow.NewPrivileges([]int64{ownerID}),
	})
	sender := &fakeSender{fail: map[int64]error{}}
	return &fixture{bot: New(svc, sender), sender: sender, backend: backend, keys: keys}
}

func command(from, chatID int64, text string) tgbotapi.Update {
	chatType := "group"
	if chatID == from {
		chatType = "private"
	}
	cmd := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func (f *fixture) run(from, chatID int64, text string) []sent {
	f.bot.HandleUpdate(context.Background(), command(from, chatID, text))
	return f.sender.reset()
}

func TestBot_MemberFlowInGroup(t *testing.T) {
	f := newFixture(t)

	msgs := f.run(memberID, groupID, "/getkey")
	require.Len(t, msgs, 2)
	assert.Equal(t, memberID, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "https://ads.example/go?")
	assert.Contains(t, msgs[0].text, "10 分鐘")
	assert.Equal(t, groupID, msgs[1].chatID)
	assert.Equal(t, noticeSentToChat, msgs[1].text)

	msgs = f.run(memberID, groupID, "/getkey")
	require.Len(t, msgs, 1)
	assert.Equal(t, groupID, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "600 秒")

	msgs = f.run(memberID, groupID, "/verify")
	require.Len(t, msgs, 2)
	assert.Equal(t, memberID, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "驗證成功")
	assert.Contains(t, msgs[0].text, "<code>KEY-")
	assert.Contains(t, msgs[0].text, "24h 0m")

	keys := f.keys.ListByOwner(memberID)
	require.Len(t, keys, 1)
	msgs = f.run(memberID, groupID, "/cekkey "+keys[0].Key)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "金鑰有效")

	msgs = f.run(memberID, groupID, "/verify")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "尚未申請")
}

func TestBot_PrivateMessageFallback(t *testing.T) {
	f := newFixture(t)
	f.sender.fail[memberID] = errors.New("Forbidden: bot can't initiate conversation with a user")

	msgs := f.run(memberID, groupID, "/getkey")
	require.Len(t, msgs, 1)
	assert.Equal(t, groupID, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "點此驗證")
}

func TestBot_PrivateChatSingleReply(t *testing.T) {
	f := newFixture(t)

	msgs := f.run(ownerID, ownerID, "/getkey")
	require.Len(t, msgs, 1)
	assert.Equal(t, ownerID, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "管理員金鑰")

	msgs = f.run(ownerID, ownerID, "/verify")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "你是管理員")
}

func TestBot_CheckKey(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		text string
		want string
	}{
		{"缺少參數", "/cekkey", "格式"},
		{"別名", "/checkkey KEY-AAAA-BBBB-CCCC-DDDD", "不存在"},
		{"格式錯誤", "/cekkey <b>", "格式錯誤"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := f.run(memberID, groupID, tt.text)
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0].text, tt.want)
			assert.NotContains(t, msgs[0].text, "<b><")
		})
	}
}

func TestBot_AdminCommands(t *testing.T) {
	f := newFixture(t)

	msgs := f.run(memberID, groupID, "/genkey 3")
	require.Len(t, msgs, 1)
	assert.Equal(t, msgAdminOnly, msgs[0].text)

	msgs = f.run(ownerID, groupID, "/genkey 25")
	require.Len(t, msgs, 2)
	assert.Equal(t, ownerID, msgs[0].chatID)
	assert.Equal(t, 10, strings.Count(msgs[0].text, "<code>KEY-"))
	assert.Contains(t, msgs[1].text, "10 把")
	assert.Equal(t, 1, f.backend.Saves())

	msgs = f.run(ownerID, groupID, "/genkey abc")
	assert.Equal(t, usageGenKey, msgs[0].text)

	msgs = f.run(ownerID, groupID, "/stats")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "金鑰總數：10")

	msgs = f.run(memberID, groupID, "/stats")
	assert.Equal(t, msgAdminOnly, msgs[0].text)

	msgs = f.run(memberID, groupID, "/addadmin 30")
	assert.Equal(t, msgOwnerOnly, msgs[0].text)

	msgs = f.run(ownerID, groupID, "/addadmin 30")
	assert.Contains(t, msgs[0].text, "已將 <code>30</code> 加入管理員")
	msgs = f.run(ownerID, groupID, "/addadmin 30")
	assert.Contains(t, msgs[0].text, "已經是管理員")

	msgs = f.run(30, groupID, "/myid")
	assert.Contains(t, msgs[0].text, "管理員")

	msgs = f.run(30, groupID, "/help")
	assert.Contains(t, msgs[0].text, "/genkey")
	msgs = f.run(memberID, groupID, "/help")
	assert.NotContains(t, msgs[0].text, "/genkey")
}

func TestBot_AddAdminByReply(t *testing.T) {
	f := newFixture(t)

	upd := command(ownerID, groupID, "/addadmin")
	upd.Message.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 40}}
	f.bot.HandleUpdate(context.Background(), upd)
	msgs := f.sender.reset()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "<code>40</code>")

	msgs = f.run(ownerID, groupID, "/addadmin")
	assert.Equal(t, usageAddAdmin, msgs[0].text)
}

func TestBot_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.FailSaves(errors.New("redis: connection refused"))

	msgs := f.run(memberID, groupID, "/getkey")
	require.Len(t, msgs, 1)
	assert.Equal(t, msgUnavailable, msgs[0].text)
}

func TestBot_IgnoresNonCommands(t *testing.T) {
	f := newFixture(t)

	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: memberID},
		Chat: &tgbotapi.Chat{ID: groupID, Type: "group"},
		Text: "hello",
	}})
	assert.Empty(t, f.run(memberID, groupID, "/unknown"))
	assert.Empty(t, f.sender.reset())
	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{})
	assert.Empty(t, f.sender.reset())
}

func TestBot_RunStopsWhenChannelCloses(t *testing.T) {
	f := newFixture(t)
	updates := make(chan tgbotapi.Update, 1)
	updates <- command(memberID, memberID, "/myid")
	close(updates)

	require.NoError(t, f.bot.Run(context.Background(), updates))
	msgs := f.sender.reset()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "<code>20</code>")
}
