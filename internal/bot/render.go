package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"keybot/internal/constants"
	"keybot/internal/keystore"
	"keybot/internal/storage/document"
	"keybot/internal/workflow"
)

const (
	msgUnavailable   = "⚠️ 系統暫時無法處理，請稍後再試。"
	msgAdminOnly     = "❌ 僅限管理員！"
	msgOwnerOnly     = "❌ 僅限擁有者！"
	usageCheckKey    = "⚠️ 格式：<code>/cekkey &lt;key&gt;</code>"
	usageGenKey      = "⚠️ 格式：<code>/genkey [數量]</code>"
	usageAddAdmin    = "⚠️ 格式：<code>/addadmin &lt;user_id&gt;</code>，或回覆對方訊息"
	noticeSentToChat = "📩 已私訊給你，請查看私人對話！"
)

func code(s string) string {
	return "<code>" + html.EscapeString(s) + "</code>"
}

// keyBody 單把金鑰的說明
func keyBody(title string, k *keystore.IssuedKey, now time.Time) string {
	left := document.Time(k.ExpiresAt).Sub(now)
	var sb strings.Builder
	sb.WriteString("<b>" + title + "</b>\n\n")
	sb.WriteString("🔑 金鑰：" + code(k.Key) + "\n")
	sb.WriteString("⏰ 有效時間：" + keystore.FormatRemaining(left) + "\n")
	if k.Privileged {
		sb.WriteString("👤 身分：管理員")
	} else {
		sb.WriteString("👤 身分：會員")
	}
	return sb.String()
}

func renderRequest(res workflow.Result, now time.Time) reply {
	switch res.Status {
	case workflow.StatusKeyIssued:
		return reply{
			text:    keyBody("👑 管理員金鑰", res.Key, now),
			private: true,
			notice:  noticeSentToChat,
		}
	case workflow.StatusAlreadyPending:
		return reply{text: fmt.Sprintf(
			"⏳ 你已經申請過金鑰！\n請完成驗證，或等待 %d 秒後再試。", res.RemainingSeconds)}
	case workflow.StatusLinkIssued:
		token := res.Token
		if len(token) > 8 {
			token = token[:8] + "..."
		}
		var sb strings.Builder
		sb.WriteString("<b>🔐 取得金鑰</b>\n\n")
		sb.WriteString("1️⃣ 點擊下方連結\n2️⃣ 完成驗證\n3️⃣ 回來輸入 /verify\n\n")
		sb.WriteString(fmt.Sprintf("🔗 <a href=\"%s\">點此驗證</a>\n", html.EscapeString(res.Link)))
		sb.WriteString(fmt.Sprintf("⏰ 有效時間：%d 分鐘\n", res.RemainingSeconds/60))
		sb.WriteString("🎫 Token：" + code(token) + "\n\n")
		sb.WriteString("⚠️ 請勿將連結分享給他人！")
		return reply{text: sb.String(), private: true, notice: noticeSentToChat}
	default:
		return reply{text: msgUnavailable}
	}
}

func renderVerify(res workflow.Result, now time.Time) reply {
	switch res.Status {
	case workflow.StatusNotRequired:
		return reply{text: "👑 你是管理員，直接使用 /getkey 即可。"}
	case workflow.StatusNotFound:
		return reply{text: "❌ 你尚未申請金鑰，請先使用 /getkey。"}
	case workflow.StatusExpired:
		return reply{text: "⏰ 驗證連結已過期，請重新使用 /getkey。"}
	case workflow.StatusNotCompleted:
		return reply{text: fmt.Sprintf(
			"❌ 尚未完成驗證！請完成連結中的所有步驟（剩餘 %d 秒）。", res.RemainingSeconds)}
	case workflow.StatusKeyIssued:
		return reply{
			text:    keyBody("✅ 驗證成功！", res.Key, now) + "\n\n請妥善保存金鑰。",
			private: true,
			notice:  noticeSentToChat,
		}
	default:
		return reply{text: msgUnavailable}
	}
}

func renderInvalidKey(key, reason string) reply {
	return reply{text: "<b>❌ 金鑰無效</b>\n\n🔑 金鑰：" + code(key) + "\n❓ 原因：" + reason}
}

func renderCheck(key string, res keystore.ValidationResult) reply {
	if !res.Valid {
		reason := "不存在"
		if res.Reason == keystore.ReasonExpired {
			reason = "已過期"
		}
		return renderInvalidKey(key, reason)
	}
	text := "<b>✅ 金鑰有效</b>\n\n🔑 金鑰：" + code(key) + "\n⏰ 剩餘時間：" + res.Remaining
	if res.Used {
		text += "\n📌 已兌換"
	}
	return reply{text: text}
}

func renderIdentity(id workflow.Identity) reply {
	role := "👤 會員"
	switch {
	case id.Owner:
		role = "👑 擁有者"
	case id.Privileged:
		role = "👑 管理員"
	}
	return reply{text: fmt.Sprintf("<b>🆔 Telegram ID</b>\n\nID：<code>%d</code>\n身分：%s", id.UserID, role)}
}

func renderBulk(res workflow.Result) reply {
	if res.Status == workflow.StatusPermissionDenied {
		return reply{text: msgAdminOnly}
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>👑 已產生 %d 把金鑰</b>\n\n", len(res.Keys)))
	for _, k := range res.Keys {
		sb.WriteString("• " + code(k.Key) + "\n")
	}
	if res.Requested > constants.MaxBulkIssue {
		sb.WriteString(fmt.Sprintf("\n單次上限為 %d 把。", constants.MaxBulkIssue))
	}
	return reply{
		text:    strings.TrimRight(sb.String(), "\n"),
		private: true,
		notice:  fmt.Sprintf("✅ %d 把金鑰已私訊給你！", len(res.Keys)),
	}
}

func renderStats(res workflow.Result) reply {
	if res.Status == workflow.StatusPermissionDenied || res.Stats == nil {
		return reply{text: msgAdminOnly}
	}
	s := res.Stats
	return reply{text: fmt.Sprintf(
		"<b>📊 統計</b>\n\n"+
			"🔑 金鑰總數：%d\n"+
			"✅ 有效金鑰：%d\n"+
			"❌ 過期金鑰：%d\n"+
			"⏳ 待驗證用戶：%d\n"+
			"👀 連結瀏覽：%d\n"+
			"✅ 完成次數：%d\n"+
			"👑 管理員人數：%d",
		s.TotalKeys, s.ActiveKeys, s.ExpiredKeys, s.PendingUsers, s.LinkViews, s.LinkCompletions, len(s.Admins))}
}

func renderAddAdmin(res workflow.Result, target int64) reply {
	switch res.Status {
	case workflow.StatusPermissionDenied:
		return reply{text: msgOwnerOnly}
	case workflow.StatusAlreadyAdmin:
		return reply{text: fmt.Sprintf("⚠️ <code>%d</code> 已經是管理員！", target)}
	default:
		return reply{text: fmt.Sprintf("✅ 已將 <code>%d</code> 加入管理員！", target)}
	}
}

func renderHelp(privileged bool) reply {
	var sb strings.Builder
	sb.WriteString("<b>📖 指令說明</b>\n\n")
	sb.WriteString("<b>👤 一般指令</b>\n")
	sb.WriteString("/getkey - 取得金鑰\n")
	sb.WriteString("/verify - 完成驗證後領取金鑰\n")
	sb.WriteString("/cekkey &lt;key&gt; - 查詢金鑰狀態\n")
	sb.WriteString("/myid - 查看你的 Telegram ID")
	if privileged {
		sb.WriteString("\n\n<b>👑 管理員指令</b>\n")
		sb.WriteString("/genkey [數量] - 一次產生多把金鑰\n")
		sb.WriteString("/stats - 查看統計\n")
		sb.WriteString("/addadmin &lt;user_id&gt; - 新增管理員")
	}
	return reply{text: sb.String()}
}
