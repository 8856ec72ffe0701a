package services_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/chat-sync/models"
	"chorus/chat-sync/realtime"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

func TestValidateFile(t *testing.T) {
	ok := services.Attachment{Name: "a.png", MimeType: "image/png", Size: 1024}
	assert.NoError(t, services.ValidateFile(ok, services.DefaultMaxUploadSize, services.ImageTypes))
	assert.NoError(t, services.ValidateFile(ok, 0, nil))

	bad := services.Attachment{Name: "a.exe", MimeType: "application/x-msdownload", Size: 11 * 1024 * 1024}
	err := services.ValidateFile(bad, services.DefaultMaxUploadSize, services.DocumentTypes)
	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
	assert.Contains(t, err.Error(), "less than 10MB")
}

func TestUploaderUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/uploads/chat-image/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "r1", r.FormValue("room_id"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "pixels", string(body))
		assert.Equal(t, "cat.png", header.Filename)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.test/cat.png", "public_id": "p1"})
	}))
	defer server.Close()

	uploader := services.NewUploader(server.URL+"/api/", "tok", 30*time.Second, utils.NewNopLogger())
	meta, err := uploader.Upload(context.Background(), "r1", services.Attachment{
		Kind:     services.UploadImage,
		Name:     "cat.png",
		MimeType: "image/png",
		Size:     6,
		Body:     strings.NewReader("pixels"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.FileMeta{URL: "https://cdn.test/cat.png", PublicID: "p1", Name: "cat.png", MimeType: "image/png", Size: 6}, meta)
}

func TestUploaderRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	uploader := services.NewUploader(server.URL, "", 30*time.Second, utils.NewNopLogger())
	_, err := uploader.Upload(context.Background(), "r1", services.Attachment{Name: "a.txt", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, services.ErrUploadFailed)
	assert.Contains(t, err.Error(), "413")
}

func TestUploaderWatchdog(t *testing.T) {
	arrived := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer server.Close()

	mock := clock.NewMock()
	uploader := services.NewUploader(server.URL, "", 30*time.Second, utils.NewNopLogger())
	uploader.SetClock(mock)

	result := make(chan error, 1)
	go func() {
		_, err := uploader.Upload(context.Background(), "r1", services.Attachment{Name: "a.txt", Body: strings.NewReader("x")})
		result <- err
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached the server")
	}

	mock.Add(29 * time.Second)
	select {
	case err := <-result:
		t.Fatalf("upload finished early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, services.ErrUploadTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestSendWithAttachmentAbortsOnUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	docs := realtime.NewMemoryDocs(nil)
	sender := &recordingSender{}
	feed := services.NewMessageFeed(docs, sender, utils.NewNopLogger())
	uploader := services.NewUploader(server.URL, "", time.Second, utils.NewNopLogger())

	_, err := feed.SendWithAttachment(context.Background(), uploader,
		models.LocalMessage{RoomID: "r1", SenderID: "a"},
		services.Attachment{Name: "a.txt", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, services.ErrUploadFailed)

	stored, err := docs.List(context.Background(), realtime.Query{Collection: models.MessageCollection("r1")})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, sender.byType(models.EventChatMessage))
}
