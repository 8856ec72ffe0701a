package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chorus/chat-sync/backend"
	"chorus/chat-sync/config"
	"chorus/chat-sync/models"
	"chorus/chat-sync/services"
	"chorus/chat-sync/socket"
	"chorus/chat-sync/utils"
)

var (
	errMissingUser = errors.New("a user id is required (--user or CHAT_USER_ID)")
	errNotMember   = errors.New("not a member of this room")
)

// chatClient drives one ChatSession from line input: plain lines are sent
// as messages, /attach uploads a file and /status prints the room labels.
type chatClient struct {
	user     services.SessionUser
	socket   *socket.Client
	session  *services.ChatSession
	uploader *services.Uploader
	rooms    *services.RoomDirectory
	logger   *utils.Logger

	outMu sync.Mutex
	out   io.Writer
}

func newChatClient(cfg *config.Config, be *backend.Backend, user services.SessionUser, token string, out io.Writer, logger *utils.Logger) *chatClient {
	sock := socket.NewClient(socket.ClientOptionsFromConfig(cfg, token), logger)
	return &chatClient{
		user:     user,
		socket:   sock,
		session:  services.NewChatSession(user, be.KV, be.Docs, sock, nil, services.SessionOptionsFromConfig(cfg), logger),
		uploader: services.NewUploader(cfg.UploadBaseURL, token, cfg.UploadTimeout, logger),
		rooms:    services.NewRoomDirectory(be.Docs),
		logger:   logger,
		out:      out,
	}
}

func (c *chatClient) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run opens roomID and processes input until it ends or ctx is cancelled.
func (c *chatClient) run(ctx context.Context, roomID string, in io.Reader) error {
	room, err := c.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasMember(c.user.ID) {
		return errNotMember
	}

	if err := c.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer c.session.Close()
	defer c.socket.Close()

	c.socket.On(models.EventChatMessage, func(evt models.SocketEvent) {
		if evt.SenderID == c.user.ID {
			return
		}
		c.printf("%s: %s\n", senderLabel(evt), evt.Message)
	})
	c.socket.On(models.EventError, func(evt models.SocketEvent) {
		c.printf("! %s\n", evt.Error)
	})

	if err := c.socket.Connect(ctx, room.ID); err != nil {
		return err
	}
	c.session.OpenRoom(ctx, room)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.handleLine(ctx, line); err != nil {
				c.printf("! %v\n", err)
			}
		}
	}
}

func (c *chatClient) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/status":
		c.printf("peer: %s\n", c.session.PeerLabel())
		if label := c.session.TypingLabel(); label != "" {
			c.printf("%s\n", label)
		}
		return nil
	case strings.HasPrefix(line, "/attach "):
		a, closeFile, err := attachmentFromFile(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
		if err != nil {
			return err
		}
		defer closeFile()
		msg, err := c.session.SendAttachment(ctx, c.uploader, a)
		if err != nil {
			return err
		}
		c.printf("sent %s\n", msg.File.Name)
		return nil
	}

	c.session.Keystroke()
	_, err := c.session.SendText(ctx, line)
	return err
}

func senderLabel(evt models.SocketEvent) string {
	if evt.SenderName != "" {
		return evt.SenderName
	}
	return evt.SenderID
}

// attachmentFromFile opens path as an upload, typed by its extension.
func attachmentFromFile(path string) (services.Attachment, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return services.Attachment{}, nil, fmt.Errorf("failed to open attachment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return services.Attachment{}, nil, fmt.Errorf("failed to stat attachment: %w", err)
	}

	mimeType, _, _ := strings.Cut(mime.TypeByExtension(strings.ToLower(filepath.Ext(path))), ";")
	a := services.Attachment{
		Kind:     services.UploadFile,
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     info.Size(),
		Body:     f,
	}
	allowed := services.DocumentTypes
	if strings.HasPrefix(mimeType, "image/") {
		a.Kind = services.UploadImage
		allowed = services.ImageTypes
	}
	if err := services.ValidateFile(a, services.DefaultMaxUploadSize, allowed); err != nil {
		f.Close()
		return services.Attachment{}, nil, err
	}
	return a, func() { f.Close() }, nil
}
