// Package webhook receives the messaging platform's callback deliveries:
// it runs the URL verification handshake, authenticates and decrypts POST
// bodies, classifies them into events, and dispatches to the extraction
// pool and the confirmation session manager.
package webhook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/envelope"
	"github.com/xiaohaiyan/shoebox/internal/extract"
	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
)

// maxBodySize bounds POST bodies; real deliveries are a few KB of XML.
const maxBodySize = 1 << 20

// Enqueuer accepts extraction jobs without blocking.
type Enqueuer interface {
	Enqueue(job extract.Job) bool
}

// TokenIssuer mints the short-lived tokens behind the web viewer link.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Config carries the handler's non-collaborator settings.
type Config struct {
	// PublicBaseURL is the externally reachable base of this service, used
	// to build the web viewer link sent on request.
	PublicBaseURL string
}

// Handler owns the callback endpoint pair.
type Handler struct {
	codec    *envelope.Codec
	sender   service.Sender
	sessions service.Sessions
	pool     Enqueuer
	dedup    *Deduper
	tokens   TokenIssuer
	cfg      Config
}

// NewHandler wires the callback handler.
func NewHandler(codec *envelope.Codec, sender service.Sender, sessions service.Sessions, pool Enqueuer, tokens TokenIssuer, cfg Config) *Handler {
	return &Handler{
		codec:    codec,
		sender:   sender,
		sessions: sessions,
		pool:     pool,
		dedup:    NewDeduper(),
		tokens:   tokens,
		cfg:      cfg,
	}
}

// Register mounts the callback routes.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/api/v1/wecom/callback", h.Verify)
	r.POST("/api/v1/wecom/callback", h.Receive)
}

// Verify answers the URL verification handshake: on a valid signature the
// decrypted echo string goes back verbatim as the response body.
func (h *Handler) Verify(c *gin.Context) {
	signature := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	echostr := c.Query("echostr")

	plain, err := h.codec.DecryptEcho(signature, timestamp, nonce, echostr)
	if err != nil {
		slog.Warn("URL verification failed", "error", err)
		c.String(http.StatusForbidden, "")
		return
	}

	slog.Info("URL verification succeeded")
	c.String(http.StatusOK, plain)
}

// Receive handles POST deliveries. The platform retries on non-200, so every
// path answers 200: an encrypted "success" acknowledgment when the message
// was processed, an empty body when it was rejected.
func (h *Handler) Receive(c *gin.Context) {
	signature := c.Query("msg_signature")
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		slog.Warn("Failed to read callback body", "error", err)
		c.String(http.StatusOK, "")
		return
	}

	encrypted, err := parseEnvelope(body)
	if err != nil {
		slog.Warn("Rejected callback delivery", "error", err)
		c.String(http.StatusOK, "")
		return
	}

	if err := h.codec.VerifySignature(signature, timestamp, nonce, encrypted); err != nil {
		slog.Warn("Rejected callback delivery", "error", err)
		c.String(http.StatusOK, "")
		return
	}

	plain, err := h.codec.Decrypt(encrypted)
	if err != nil {
		slog.Warn("Rejected callback delivery", "error", err)
		c.String(http.StatusOK, "")
		return
	}

	event, err := classify(plain)
	if err != nil {
		slog.Warn("Rejected callback delivery", "error", err)
		c.String(http.StatusOK, "")
		return
	}

	h.dispatch(c, event)

	reply, err := h.codec.EncryptedReply([]byte("success"), timestamp, nonce)
	if err != nil {
		slog.Error("Failed to build acknowledgment", "error", err)
		c.String(http.StatusOK, "")
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(reply))
}

func (h *Handler) dispatch(c *gin.Context, event model.Event) {
	logger := slog.With("user_id", event.UserID, "msg_id", event.MsgID, "kind", string(event.Kind))

	switch event.Kind {
	case model.EventImageMessage:
		if h.dedup.SeenOrMark(event.MsgID) {
			logger.Info("Duplicate delivery acknowledged")
			return
		}
		job := extract.Job{UserID: event.UserID, MediaID: event.MediaID, MsgID: event.MsgID}
		if !h.pool.Enqueue(job) {
			// Unmark so a dropped job stays eligible for the platform's
			// redelivery.
			h.dedup.Forget(event.MsgID)
			logger.Warn("Extraction queue full, delivery dropped", "media_id", event.MediaID)
			return
		}
		logger.Info("Extraction job enqueued", "media_id", event.MediaID)

	case model.EventCardResponse:
		switch event.Action {
		case model.ActionConfirm:
			h.approve(c, event.UserID, event.SessionID)
		case model.ActionCancel:
			h.reject(c, event.UserID, event.SessionID)
		}

	case model.EventTextCommand:
		h.handleText(c, event)

	default:
		logger.Info("Ignoring delivery")
	}
}

// handleText routes the small command vocabulary users can type instead of
// tapping the card buttons.
func (h *Handler) handleText(c *gin.Context, event model.Event) {
	content := strings.TrimSpace(event.Content)

	switch strings.ToLower(content) {
	case "确认", "confirm":
		h.approve(c, event.UserID, "")
	case "取消", "cancel":
		h.reject(c, event.UserID, "")
	case "菜单", "menu":
		h.reply(c, event.UserID,
			"请选择您需要的服务：\n1. 发送图片进行记账\n2. 查看账本\n3. 访问后台管理\n4. 帮助\n\n请回复对应数字或直接发送图片")
	case "1":
		h.reply(c, event.UserID, "请发送包含消费信息的收据图片，我将为您自动识别并记账。")
	case "2", "3":
		h.sendViewerLink(c, event.UserID)
	case "4", "帮助", "help":
		h.reply(c, event.UserID,
			"使用帮助：\n1. 发送包含消费信息的收据图片，系统将自动识别并记账\n2. 识别后会发送确认信息，回复'确认'或'取消'\n3. 回复'菜单'可查看所有可用功能\n4. 如有问题请联系管理员")
	default:
		h.reply(c, event.UserID, fmt.Sprintf(
			"您发送的消息：'%s' 不是预设指令。\n\n请选择您需要的操作：\n1. 发送图片进行记账\n2. 查看账本\n3. 访问后台管理\n4. 查看帮助\n\n请回复对应数字或发送'菜单'查看所有选项", content))
	}
}

// approve commits the pending session. An empty session id means the request
// came from a channel that cannot carry one; it falls back to the user's
// latest pending session.
func (h *Handler) approve(c *gin.Context, userID, sessionID string) {
	if sessionID == "" {
		pending, ok := h.sessions.LatestPending(userID)
		if !ok {
			h.reply(c, userID, "未找到待确认的交易数据。")
			return
		}
		sessionID = pending.SessionID
	} else if !h.ownsSession(userID, sessionID) {
		h.reply(c, userID, "未找到待确认的交易数据。")
		return
	}

	txn, err := h.sessions.Approve(c.Request.Context(), sessionID, model.CandidateFields{})
	switch {
	case err == nil:
		h.reply(c, userID, fmt.Sprintf("交易已确认，已记录到账本中。（¥%.2f %s）", txn.Amount, txn.Vendor))
	case h.replyUserError(c, userID, err):
	case errors.Is(err, common.ErrSessionMissing):
		h.reply(c, userID, "未找到待确认的交易数据。")
	case errors.Is(err, common.ErrStateConflict):
		h.reply(c, userID, "该笔交易已处理，无需重复操作。")
	default:
		slog.Error("Approve failed", "user_id", userID, "session_id", sessionID, "error", err)
		h.reply(c, userID, "确认失败，请稍后重试。")
	}
}

func (h *Handler) reject(c *gin.Context, userID, sessionID string) {
	if sessionID == "" {
		pending, ok := h.sessions.LatestPending(userID)
		if !ok {
			h.reply(c, userID, "未找到待确认的交易数据。")
			return
		}
		sessionID = pending.SessionID
	} else if !h.ownsSession(userID, sessionID) {
		h.reply(c, userID, "未找到待确认的交易数据。")
		return
	}

	err := h.sessions.Reject(c.Request.Context(), sessionID)
	switch {
	case err == nil:
		h.reply(c, userID, "交易已取消。")
	case errors.Is(err, common.ErrSessionMissing):
		h.reply(c, userID, "未找到待确认的交易数据。")
	case errors.Is(err, common.ErrStateConflict):
		h.reply(c, userID, "该笔交易已处理，无需重复操作。")
	default:
		slog.Error("Reject failed", "user_id", userID, "session_id", sessionID, "error", err)
		h.reply(c, userID, "取消失败，请稍后重试。")
	}
}

// ownsSession verifies that a session id carried by a card response belongs
// to the responding user. Foreign or unknown ids read as missing, so a
// crafted event key cannot touch someone else's pending transaction.
func (h *Handler) ownsSession(userID, sessionID string) bool {
	candidate, ok := h.sessions.Get(sessionID)
	return ok && candidate.UserID == userID
}

// sendViewerLink issues a one-hour token and sends the web viewer URL.
func (h *Handler) sendViewerLink(c *gin.Context, userID string) {
	if h.tokens == nil || h.cfg.PublicBaseURL == "" {
		h.reply(c, userID, "后台管理功能未启用，请联系管理员。")
		return
	}

	token, err := h.tokens.Issue(userID)
	if err != nil {
		slog.Error("Failed to issue viewer token", "user_id", userID, "error", err)
		h.reply(c, userID, "生成后台管理链接失败，请稍后重试。")
		return
	}

	url := strings.TrimRight(h.cfg.PublicBaseURL, "/") + "/token/" + token
	h.reply(c, userID, fmt.Sprintf(
		"后台管理页面：%s\n\n请使用浏览器打开链接进行管理操作。\n\n注意：链接有效期1小时，请尽快使用。", url))
}

// replyUserError relays a user-visible error message, reporting whether the
// error was one.
func (h *Handler) replyUserError(c *gin.Context, userID string, err error) bool {
	var userErr *common.UserError
	if errors.As(err, &userErr) {
		h.reply(c, userID, userErr.UserMessage)
		return true
	}
	return false
}

func (h *Handler) reply(c *gin.Context, userID, text string) {
	if err := h.sender.SendText(c.Request.Context(), userID, text); err != nil {
		slog.Warn("Failed to send reply", "user_id", userID, "error", err)
	}
}
