package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"educhat/cmd/internal/app"
	v1 "educhat/shared/contracts/chat/v1"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	envFile   string
	logLevel  string
	logFormat string
	user      string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:          "educhat",
		Short:        "Realtime chat client for the EduAI portal",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Optional KEY=VALUE file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides EDUCHAT_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", `Log format ("json" or "pretty"); overrides EDUCHAT_LOG_FORMAT`)
	cmd.PersistentFlags().StringVarP(&g.user, "user", "u", "", "User id whose channel is opened; overrides EDUCHAT_USER_ID")

	cmd.AddCommand(
		newChatCommand(g),
		newSendCommand(g),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig applies env files, then the environment, then flags.
func (g *globalFlags) loadConfig() (app.Config, error) {
	if err := app.LoadDotEnv(g.envFile); err != nil {
		return app.Config{}, err
	}
	cfg := app.LoadConfig()
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if g.user != "" {
		cfg.UserID = g.user
	}
	return cfg, nil
}

func newChatCommand(g *globalFlags) *cobra.Command {
	var (
		chatID     string
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the user's channel and chat from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.StatusAddr = statusAddr
			}
			if strings.TrimSpace(chatID) == "" {
				return fmt.Errorf("--chat is required")
			}

			return app.Run(cfg, func(ctx context.Context, a *app.App) error {
				return app.Chat(ctx, a.Client(), cfg.UserID, v1.ID(chatID), c.InOrStdin(), c.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id outgoing messages are addressed to")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve /healthz, /readyz and /metrics on this address; overrides EDUCHAT_STATUS_ADDR")

	return cmd
}

func newSendCommand(g *globalFlags) *cobra.Command {
	var (
		chatID string
		text   string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and exit",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if text == "" && file == "" {
				return fmt.Errorf("one of --text or --file is required")
			}

			return app.Run(cfg, func(ctx context.Context, a *app.App) error {
				if err := app.SendOnce(ctx, a.Client(), cfg.UserID, v1.ID(chatID), text, file); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(c.OutOrStdout(), "sent")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat id to send to")
	cmd.Flags().StringVar(&text, "text", "", "Message text")
	cmd.Flags().StringVar(&file, "file", "", "Path of a file to attach")
	_ = cmd.MarkFlagRequired("chat")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(c.OutOrStdout(), "educhat", version)
		},
	}
}
