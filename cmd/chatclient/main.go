package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chorus/chat-sync/backend"
	"chorus/chat-sync/config"
	"chorus/chat-sync/services"
	"chorus/chat-sync/utils"
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal chat client: presence, read receipts and typing for one room",
	RunE:  runClient,
}

var (
	flagRoom  string
	flagUser  string
	flagName  string
	flagToken string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagRoom, "room", "", "room id to open")
	flags.StringVar(&flagUser, "user", os.Getenv("CHAT_USER_ID"), "user id (from env CHAT_USER_ID if set)")
	flags.StringVar(&flagName, "name", os.Getenv("CHAT_USER_NAME"), "display name, defaults to the user id")
	flags.StringVar(&flagToken, "token", os.Getenv("CHAT_TOKEN"), "JWT for the socket and upload endpoints (from env CHAT_TOKEN if set)")
	_ = rootCmd.MarkPersistentFlagRequired("room")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	logger := utils.NewLogger(cfg.LogLevel)

	if flagUser == "" {
		return errMissingUser
	}
	name := flagName
	if name == "" {
		name = flagUser
	}

	be, err := backend.Open(ctx, cfg, logger, backend.Options{})
	if err != nil {
		return err
	}
	defer be.Close()

	client := newChatClient(cfg, be, services.SessionUser{ID: flagUser, Name: name}, flagToken, cmd.OutOrStdout(), logger)
	return client.run(ctx, flagRoom, cmd.InOrStdin())
}
