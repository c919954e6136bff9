// Package extract turns received receipt images into pending confirmation
// sessions: it downloads the media, invokes the vision extraction client,
// and hands the candidate to the session manager.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
	"github.com/xiaohaiyan/shoebox/internal/session"
)

// Job identifies one image event to process.
type Job struct {
	UserID  string
	MediaID string
	MsgID   string
}

// Options configures the orchestrator.
type Options struct {
	// ImageDir is where received receipt images are archived. Empty
	// disables archiving.
	ImageDir string
	// PublicBaseURL prefixes archived image paths to produce the image_url
	// stored with committed transactions.
	PublicBaseURL string
	// Qianji switches the deep-link bookkeeping mode.
	Qianji session.QianjiOptions
}

// Orchestrator runs the extraction pipeline for image events.
type Orchestrator struct {
	sender   service.Sender
	client   service.Extractor
	sessions service.Sessions
	opts     Options
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(sender service.Sender, client service.Extractor, sessions service.Sessions, opts Options) *Orchestrator {
	return &Orchestrator{
		sender:   sender,
		client:   client,
		sessions: sessions,
		opts:     opts,
	}
}

// Process handles one image event end to end. Failures terminate in a
// user-visible notice, never an error to the webhook path that enqueued the
// job.
func (o *Orchestrator) Process(ctx context.Context, job Job) {
	logger := slog.With("user_id", job.UserID, "media_id", job.MediaID, "msg_id", job.MsgID)

	image, err := o.sender.DownloadMedia(ctx, job.MediaID)
	if err != nil {
		logger.Error("Media download failed", "error", err)
		o.notify(ctx, job.UserID, "识别失败：无法下载图片，请重新发送。")
		return
	}

	imageURL := o.archiveImage(job, image, logger)

	fields, err := o.extractWithRetry(ctx, image)
	if err != nil {
		logger.Error("Extraction failed", "error", err)
		o.notify(ctx, job.UserID, "识别失败：无法识别图片中的记账信息，请重新拍摄后再试。")
		return
	}

	// The provider answered but found nothing to book. Not worth a retry or
	// a confirmation card.
	if fields.Empty() {
		logger.Info("No bookkeeping data in image", "error", common.ErrEmptyReceipt)
		o.notify(ctx, job.UserID, "未能从图片中识别出记账信息，请发送包含金额的收据或账单图片。")
		return
	}

	// An unparsable or absent date defaults to today; the user corrects it
	// on the card if it's wrong.
	if fields.TransactionDate == nil {
		today := time.Now().Truncate(24 * time.Hour)
		fields.TransactionDate = &today
	}

	if o.opts.Qianji.Enabled {
		o.sendQianjiLink(ctx, job.UserID, fields, logger)
		return
	}

	candidate, err := o.sessions.Create(ctx, job.UserID, fields, imageURL)
	if err != nil {
		logger.Error("Failed to create confirmation session", "error", err)
		o.notify(ctx, job.UserID, "识别成功，但创建确认请求失败，请重新发送图片。")
		return
	}

	if err := o.sender.SendCard(ctx, job.UserID, candidate.SessionID, candidate.Fields); err != nil {
		logger.Error("Failed to send confirmation card",
			"session_id", candidate.SessionID, "error", err)
		return
	}

	logger.Info("Confirmation card sent", "session_id", candidate.SessionID)
}

// extractWithRetry allows exactly one retry on transient provider failure.
func (o *Orchestrator) extractWithRetry(ctx context.Context, image []byte) (model.CandidateFields, error) {
	var fields model.CandidateFields
	err := common.WithRetry(ctx, func() error {
		var extractErr error
		fields, extractErr = o.client.ExtractReceipt(ctx, image)
		return extractErr
	}, service.RetryOptions{
		MaxAttempts:  2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
	})
	if err != nil {
		return model.CandidateFields{}, fmt.Errorf("%w: %v", common.ErrExtraction, err)
	}
	return fields, nil
}

func (o *Orchestrator) sendQianjiLink(ctx context.Context, userID string, fields model.CandidateFields, logger *slog.Logger) {
	link := session.BuildQianjiURL(fields, o.opts.Qianji)
	if link == "" {
		o.notify(ctx, userID, "识别成功，但生成钱迹记账链接失败，请重试。")
		return
	}

	// Without the chooser the category is already on the link, so the user
	// is told the selection step was skipped.
	message := "已识别记账信息，请点击链接记账：\n" + link
	if !o.opts.Qianji.CateChoose {
		message = "已识别记账信息，请点击链接记账（已跳过分类选择）：\n" + link
	}
	o.notify(ctx, userID, message)
	logger.Info("Qianji link sent")
}

// archiveImage writes the raw image to disk and returns its public URL.
// Archiving is best effort; the workflow proceeds without it.
func (o *Orchestrator) archiveImage(job Job, image []byte, logger *slog.Logger) string {
	if o.opts.ImageDir == "" {
		return ""
	}

	filename := fmt.Sprintf("%s_%d.jpg", job.UserID, time.Now().Unix())
	path := filepath.Join(o.opts.ImageDir, filename)

	if err := os.MkdirAll(o.opts.ImageDir, 0750); err != nil {
		logger.Warn("Failed to create image directory", "error", err)
		return ""
	}
	if err := os.WriteFile(path, image, 0640); err != nil {
		logger.Warn("Failed to archive image", "path", path, "error", err)
		return ""
	}

	logger.Info("Image archived", "path", path)
	if o.opts.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(o.opts.PublicBaseURL, "/") + "/log/" + filename
}

func (o *Orchestrator) notify(ctx context.Context, userID, text string) {
	if err := o.sender.SendText(ctx, userID, text); err != nil &&
		!errors.Is(err, context.Canceled) {
		slog.Warn("Failed to send notice", "user_id", userID, "error", err)
	}
}
