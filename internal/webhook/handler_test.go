package webhook

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/envelope"
	"github.com/xiaohaiyan/shoebox/internal/extract"
	"github.com/xiaohaiyan/shoebox/internal/model"
)

const (
	testToken  = "QDG6eK"
	testCorpID = "wx5823bf96d3bd56c7"
)

var testAESKey = func() string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(b), "=")
}()

type fakeSender struct {
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendCard(context.Context, string, string, model.CandidateFields) error {
	return nil
}

func (f *fakeSender) DownloadMedia(context.Context, string) ([]byte, error) {
	return nil, common.ErrMediaDownload
}

type fakeSessions struct {
	pending  map[string]*model.Candidate // by session id
	byUser   map[string]string
	approved []string
	rejected []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		pending: make(map[string]*model.Candidate),
		byUser:  make(map[string]string),
	}
}

func (f *fakeSessions) addPending(userID, sessionID string, amount float64) {
	vendor := "Cafe"
	f.pending[sessionID] = &model.Candidate{
		SessionID: sessionID,
		UserID:    userID,
		Fields:    model.CandidateFields{Amount: &amount, Vendor: &vendor},
		Status:    model.StatusPending,
	}
	f.byUser[userID] = sessionID
}

func (f *fakeSessions) Create(_ context.Context, userID string, fields model.CandidateFields, _ string) (*model.Candidate, error) {
	return &model.Candidate{SessionID: "sess-new", UserID: userID, Fields: fields, Status: model.StatusPending}, nil
}

func (f *fakeSessions) Approve(_ context.Context, sessionID string, _ model.CandidateFields) (*model.Transaction, error) {
	candidate, ok := f.pending[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrSessionMissing, sessionID)
	}
	if candidate.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: session %s is %s", common.ErrStateConflict, sessionID, candidate.Status)
	}
	candidate.Status = model.StatusApproved
	f.approved = append(f.approved, sessionID)
	return &model.Transaction{ID: 1, UserID: candidate.UserID, Amount: *candidate.Fields.Amount, Vendor: *candidate.Fields.Vendor}, nil
}

func (f *fakeSessions) Reject(_ context.Context, sessionID string) error {
	candidate, ok := f.pending[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrSessionMissing, sessionID)
	}
	if candidate.Status != model.StatusPending {
		return fmt.Errorf("%w: session %s is %s", common.ErrStateConflict, sessionID, candidate.Status)
	}
	candidate.Status = model.StatusRejected
	f.rejected = append(f.rejected, sessionID)
	return nil
}

func (f *fakeSessions) Get(sessionID string) (*model.Candidate, bool) {
	candidate, ok := f.pending[sessionID]
	return candidate, ok
}

func (f *fakeSessions) LatestPending(userID string) (*model.Candidate, bool) {
	sessionID, ok := f.byUser[userID]
	if !ok {
		return nil, false
	}
	candidate := f.pending[sessionID]
	if candidate.Status != model.StatusPending {
		return nil, false
	}
	return candidate, true
}

type fakePool struct {
	jobs []extract.Job
	full bool
}

func (f *fakePool) Enqueue(job extract.Job) bool {
	if f.full {
		return false
	}
	f.jobs = append(f.jobs, job)
	return true
}

type fakeIssuer struct{}

func (fakeIssuer) Issue(string) (string, error) { return "tok-abc", nil }

type fixture struct {
	codec    *envelope.Codec
	sender   *fakeSender
	sessions *fakeSessions
	pool     *fakePool
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	codec, err := envelope.New(testToken, testAESKey, testCorpID)
	require.NoError(t, err)

	f := &fixture{
		codec:    codec,
		sender:   &fakeSender{},
		sessions: newFakeSessions(),
		pool:     &fakePool{},
	}
	handler := NewHandler(codec, f.sender, f.sessions, f.pool, fakeIssuer{}, Config{
		PublicBaseURL: "https://bot.example.com",
	})
	f.router = gin.New()
	handler.Register(f.router)
	return f
}

// deliver encrypts the inner XML and posts it the way the platform does.
func (f *fixture) deliver(t *testing.T, innerXML string) *httptest.ResponseRecorder {
	t.Helper()

	encrypted, err := f.codec.Encrypt([]byte(innerXML))
	require.NoError(t, err)

	timestamp := fmt.Sprint(time.Now().Unix())
	nonce := "nonce123"
	signature := f.codec.Signature(timestamp, nonce, encrypted)

	body := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypted)
	target := "/api/v1/wecom/callback?msg_signature=" + signature +
		"&timestamp=" + timestamp + "&nonce=" + nonce

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	f.router.ServeHTTP(w, req)
	return w
}

func imageXML(userID, mediaID, msgID string) string {
	return fmt.Sprintf(`<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>1409659813</CreateTime>
<MsgType><![CDATA[image]]></MsgType>
<MediaId><![CDATA[%s]]></MediaId>
<MsgId>%s</MsgId>
</xml>`, testCorpID, userID, mediaID, msgID)
}

func textXML(userID, content string) string {
	return fmt.Sprintf(`<xml>
<FromUserName><![CDATA[%s]]></FromUserName>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[%s]]></Content>
</xml>`, userID, content)
}

func clickXML(userID, eventKey string) string {
	return fmt.Sprintf(`<xml>
<FromUserName><![CDATA[%s]]></FromUserName>
<MsgType><![CDATA[event]]></MsgType>
<Event><![CDATA[click]]></Event>
<EventKey><![CDATA[%s]]></EventKey>
</xml>`, userID, eventKey)
}

func TestVerify_Handshake(t *testing.T) {
	f := newFixture(t)

	echostr, err := f.codec.Encrypt([]byte("1234567890"))
	require.NoError(t, err)
	timestamp := "1409659589"
	nonce := "263014780"
	signature := f.codec.Signature(timestamp, nonce, echostr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wecom/callback?msg_signature="+signature+
		"&timestamp="+timestamp+"&nonce="+nonce+"&echostr="+url.QueryEscape(echostr), nil)
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1234567890", w.Body.String())
}

func TestVerify_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	echostr, err := f.codec.Encrypt([]byte("1234567890"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wecom/callback?msg_signature=deadbeef"+
		"&timestamp=1409659589&nonce=263014780&echostr="+url.QueryEscape(echostr), nil)
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestReceive_ImageEnqueuesJob(t *testing.T) {
	f := newFixture(t)

	w := f.deliver(t, imageXML("U1", "media-42", "msg-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Encrypt>")
	require.Len(t, f.pool.jobs, 1)
	assert.Equal(t, extract.Job{UserID: "U1", MediaID: "media-42", MsgID: "msg-1"}, f.pool.jobs[0])
}

func TestReceive_AcknowledgmentDecryptsToSuccess(t *testing.T) {
	f := newFixture(t)

	w := f.deliver(t, textXML("U1", "菜单"))
	require.Equal(t, http.StatusOK, w.Code)

	encrypted, err := parseEnvelope(w.Body.Bytes())
	require.NoError(t, err)
	plain, err := f.codec.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "success", string(plain))
}

func TestReceive_DuplicateDeliveryNotReprocessed(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, imageXML("U1", "media-42", "msg-1"))
	w := f.deliver(t, imageXML("U1", "media-42", "msg-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.pool.jobs, 1)
}

func TestReceive_DroppedJobStaysEligibleForRedelivery(t *testing.T) {
	f := newFixture(t)
	f.pool.full = true

	f.deliver(t, imageXML("U1", "media-42", "msg-1"))
	assert.Empty(t, f.pool.jobs)

	// Queue drained; the platform redelivers the same MsgId.
	f.pool.full = false
	f.deliver(t, imageXML("U1", "media-42", "msg-1"))
	assert.Len(t, f.pool.jobs, 1)
}

func TestReceive_CardConfirmWithSessionID(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U1", "sess-1", 42.50)

	f.deliver(t, clickXML("U1", "confirm:sess-1"))

	assert.Equal(t, []string{"sess-1"}, f.sessions.approved)
	require.NotEmpty(t, f.sender.texts)
	assert.Contains(t, f.sender.texts[0], "交易已确认")
}

func TestReceive_CardConfirmForAnotherUsersSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U2", "sess-victim", 42.50)

	f.deliver(t, clickXML("U1", "confirm:sess-victim"))

	assert.Empty(t, f.sessions.approved)
	require.NotEmpty(t, f.sender.texts)
	assert.Contains(t, f.sender.texts[0], "未找到待确认的交易数据")

	// The owner can still act on it afterwards.
	f.deliver(t, clickXML("U2", "confirm:sess-victim"))
	assert.Equal(t, []string{"sess-victim"}, f.sessions.approved)
}

func TestReceive_CardCancelForAnotherUsersSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U2", "sess-victim", 42.50)

	f.deliver(t, clickXML("U1", "cancel:sess-victim"))

	assert.Empty(t, f.sessions.rejected)
	require.NotEmpty(t, f.sender.texts)
	assert.Contains(t, f.sender.texts[0], "未找到待确认的交易数据")
}

func TestReceive_BareCardCancelUsesLatestPending(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U1", "sess-1", 42.50)

	f.deliver(t, clickXML("U1", "cancel"))

	assert.Equal(t, []string{"sess-1"}, f.sessions.rejected)
	require.NotEmpty(t, f.sender.texts)
	assert.Contains(t, f.sender.texts[0], "交易已取消")
}

func TestReceive_TextConfirm(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U1", "sess-1", 42.50)

	f.deliver(t, textXML("U1", "确认"))

	assert.Equal(t, []string{"sess-1"}, f.sessions.approved)
}

func TestReceive_ConfirmWithoutPendingSession(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, textXML("U1", "confirm"))

	assert.Empty(t, f.sessions.approved)
	require.NotEmpty(t, f.sender.texts)
	assert.Contains(t, f.sender.texts[0], "未找到待确认的交易数据")
}

func TestReceive_DoubleConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.sessions.addPending("U1", "sess-1", 42.50)

	f.deliver(t, clickXML("U1", "confirm:sess-1"))
	f.deliver(t, clickXML("U1", "confirm:sess-1"))

	assert.Equal(t, []string{"sess-1"}, f.sessions.approved)
	require.Len(t, f.sender.texts, 2)
	assert.Contains(t, f.sender.texts[1], "已处理")
}

func TestReceive_MenuCommand(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, textXML("U1", "菜单"))

	require.Len(t, f.sender.texts, 1)
	assert.Contains(t, f.sender.texts[0], "请选择您需要的服务")
}

func TestReceive_ViewerLinkCommand(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, textXML("U1", "3"))

	require.Len(t, f.sender.texts, 1)
	assert.Contains(t, f.sender.texts[0], "https://bot.example.com/token/tok-abc")
	assert.Contains(t, f.sender.texts[0], "有效期1小时")
}

func TestReceive_UnknownTextPrompts(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, textXML("U1", "你好"))

	require.Len(t, f.sender.texts, 1)
	assert.Contains(t, f.sender.texts[0], "不是预设指令")
}

func TestReceive_RejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)

	encrypted, err := f.codec.Encrypt([]byte(imageXML("U1", "media-42", "msg-1")))
	require.NoError(t, err)
	body := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypted)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/wecom/callback?msg_signature=deadbeef&timestamp=1&nonce=n", strings.NewReader(body))
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, f.pool.jobs)
}

func TestReceive_RejectsGarbageBody(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/wecom/callback?msg_signature=s&timestamp=1&nonce=n", strings.NewReader("not xml at all"))
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestReceive_UnknownMessageTypeAcknowledged(t *testing.T) {
	f := newFixture(t)

	w := f.deliver(t, `<xml><FromUserName><![CDATA[U1]]></FromUserName><MsgType><![CDATA[voice]]></MsgType></xml>`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Encrypt>")
	assert.Empty(t, f.pool.jobs)
	assert.Empty(t, f.sender.texts)
}
