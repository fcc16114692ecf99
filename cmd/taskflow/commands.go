package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskflow/internal/bot"
	"taskflow/internal/clock"
	"taskflow/internal/model"
	"taskflow/internal/service"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the digest scheduler, the chat bot and the metrics listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	running := 0

	if a.cfg.MetricsAddr != "" {
		running++
		go func() { errs <- a.metrics.Serve(ctx, a.cfg.MetricsAddr, a.log) }()
	}

	driver := service.NewCronDriver(a.cfg.TickSpec, a.cfg.Location, a.log)
	running++
	go func() { errs <- a.scheduler.Run(ctx, driver) }()

	if a.cfg.TelegramToken != "" {
		telegramBot, err := bot.New(a.cfg.TelegramToken, bot.Deps{
			Users:      a.users,
			Categories: a.categories,
			Tasks:      a.taskSvc,
			Settings:   a.settingsS,
			Digests:    a.digests,
			Clock:      clock.Real{Location: a.cfg.Location},
			Location:   a.cfg.Location,
			Log:        a.log,
		})
		if err != nil {
			return err
		}
		running++
		go func() { errs <- telegramBot.Start(ctx) }()
	} else {
		a.log.Warn().Msg("TELEGRAM_TOKEN is not set, chat bot disabled; digests use per-user tokens only")
	}

	a.log.Info().Str("timezone", a.cfg.Location.String()).Str("tick", a.cfg.TickSpec).Msg("taskflow started")

	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		// Any component returning stops the rest.
		cancel()
	}
	a.log.Info().Msg("shutdown complete")
	return firstErr
}

func tickCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every user once, now, and send due digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.TickTimeout)
			defer cancel()
			report := a.scheduler.Tick(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			return report.Err
		},
	}
}

func previewCmd(configPath *string) *cobra.Command {
	var (
		userID     uint
		telegramID int64
		all        bool
		at         string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the digest a user would receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			now := time.Now().In(a.cfg.Location)
			if at != "" {
				now, err = time.ParseInLocation("2006-01-02 15:04", at, a.cfg.Location)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			var users []model.User
			switch {
			case all:
				users, err = a.users.ListAll(ctx)
			case telegramID != 0:
				var user *model.User
				if user, err = a.users.FindByTelegramID(ctx, telegramID); err == nil {
					users = append(users, *user)
				}
			case userID != 0:
				var user *model.User
				if user, err = a.users.FindByID(ctx, userID); err == nil {
					users = append(users, *user)
				}
			default:
				return errors.New("one of --user, --telegram or --all is required")
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, user := range users {
				text, err := a.digests.Render(ctx, user.ID, now)
				if err != nil {
					return err
				}
				if text == "" {
					text = "(nothing to send)"
				}
				fmt.Fprintf(out, "── %s (#%d) ──\n%s\n\n", user.DisplayName(), user.ID, text)
			}
			return nil
		},
	}
	cmd.Flags().UintVarP(&userID, "user", "u", 0, "internal user id")
	cmd.Flags().Int64Var(&telegramID, "telegram", 0, "Telegram user id")
	cmd.Flags().BoolVar(&all, "all", false, "preview every known user")
	cmd.Flags().StringVar(&at, "at", "", `evaluate at "YYYY-MM-DD HH:MM" instead of now`)
	return cmd
}
