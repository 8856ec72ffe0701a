package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/chat-sync/models"
	"chorus/chat-sync/utils"
)

var (
	ErrUploadTimeout = errors.New("upload timed out")
	ErrUploadFailed  = errors.New("upload failed")
)

type UploadKind string

const (
	UploadImage UploadKind = "chat-image"
	UploadFile  UploadKind = "chat-file"
)

const DefaultMaxUploadSize int64 = 10 * 1024 * 1024

// Mime type groups accepted for image and document attachments.
var ImageTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp", "image/heic", "image/heif"}

var DocumentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Attachment is a file queued for upload.
type Attachment struct {
	Kind     UploadKind
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// ValidationError lists every reason an attachment was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid file: " + strings.Join(e.Problems, "; ")
}

// ValidateFile checks size and, when allowed is non-empty, the mime type.
func ValidateFile(a Attachment, maxSize int64, allowed []string) error {
	var problems []string
	if maxSize > 0 && a.Size > maxSize {
		problems = append(problems, fmt.Sprintf("file size must be less than %dMB", maxSize/(1024*1024)))
	}
	if len(allowed) > 0 {
		ok := false
		for _, t := range allowed {
			if strings.EqualFold(t, a.MimeType) {
				ok = true
				break
			}
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("file type %s is not allowed", a.MimeType))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Uploader posts attachments to the upload backend. Every upload runs under
// a watchdog: if it has not completed within the timeout it is cancelled
// and fails with ErrUploadTimeout.
type Uploader struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	clock   clock.Clock
	logger  *utils.Logger
}

func NewUploader(baseURL, token string, timeout time.Duration, logger *utils.Logger) *Uploader {
	return &Uploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
		clock:   clock.New(),
		logger:  logger,
	}
}

// SetClock replaces the clock driving the watchdog.
func (u *Uploader) SetClock(clk clock.Clock) {
	u.clock = clk
}

type uploadResponse struct {
	URL      string `json:"url"`
	PublicID string `json:"public_id"`
}

// Upload sends a to the backend for roomID and returns the stored file.
func (u *Uploader) Upload(ctx context.Context, roomID string, a Attachment) (models.FileMeta, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	watchdog := u.clock.AfterFunc(u.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	meta, err := u.post(ctx, roomID, a)
	if err != nil {
		if timedOut.Load() {
			u.logger.Warn("Upload watchdog fired", "room_id", roomID, "file", a.Name, "timeout", u.timeout)
			return models.FileMeta{}, ErrUploadTimeout
		}
		u.logger.Error("Upload failed", "room_id", roomID, "file", a.Name, "error", err)
		return models.FileMeta{}, err
	}
	return meta, nil
}

func (u *Uploader) post(ctx context.Context, roomID string, a Attachment) (models.FileMeta, error) {
	kind := a.Kind
	if kind == "" {
		kind = UploadFile
	}
	url := fmt.Sprintf("%s/chat/uploads/%s/", u.baseURL, kind)

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(form, roomID, a))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return models.FileMeta{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		pr.Close()
		return models.FileMeta{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.FileMeta{}, fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FileMeta{}, fmt.Errorf("%w: bad response: %v", ErrUploadFailed, err)
	}
	if out.URL == "" {
		return models.FileMeta{}, fmt.Errorf("%w: response has no url", ErrUploadFailed)
	}

	return models.FileMeta{
		URL:      out.URL,
		PublicID: out.PublicID,
		Name:     a.Name,
		MimeType: a.MimeType,
		Size:     a.Size,
	}, nil
}

func writeUploadForm(form *multipart.Writer, roomID string, a Attachment) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.Name))
	if a.MimeType != "" {
		header.Set("Content-Type", a.MimeType)
	}
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if a.Body != nil {
		if _, err := io.Copy(part, a.Body); err != nil {
			return err
		}
	}
	if roomID != "" {
		if err := form.WriteField("room_id", roomID); err != nil {
			return err
		}
	}
	return form.Close()
}
