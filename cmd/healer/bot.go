package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/healer/internal/notify"
)

// botCmd runs the Telegram subscription bot.
var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram bot that manages subscriptions",
	Long: `Long-poll Telegram and handle /start (subscribe) and /stop
(unsubscribe). Subscribers receive a message for every run that opens a pull
request or fails to identify files.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.cfg.Telegram.Token.IsSet() || !a.cfg.Database.DSN.IsSet() {
			return fmt.Errorf("telegram.token and database.dsn are required")
		}
		store, err := a.subscriberStore(ctx)
		if err != nil {
			return err
		}
		api, err := notify.NewTelegramBot(a.cfg.Telegram.Token.Value(), "", nil)
		if err != nil {
			return err
		}
		return notify.NewSubscriptionBot(api, store, a.logger).Run(ctx)
	},
}
