package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/backend"
	"elaw/cmd/internal/notify"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in")

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	titleStyle = lipgloss.NewStyle().Bold(true)
	unreadMark = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Render("●")
)

// NewRootCommand builds the elaw command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "elaw",
		Short:         "eLaw client runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// A missing env file is normal outside development.
			if envFile != "" {
				_ = godotenv.Load(envFile)
			} else {
				_ = godotenv.Load()
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file (default .env)")

	root.AddCommand(
		newServeCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newPasswordCommand(),
		newWhoamiCommand(),
		newNotificationsCommand(),
	)
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local view endpoints and view stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := LoadConfig()
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newLoginCommand() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				res := a.Manager.Login(ctx, backend.Credentials{Email: strings.TrimSpace(email), Password: password})
				printMessages(cmd.OutOrStdout(), res.Success, res.Messages)
				if !res.Success {
					return res.Err
				}
				printUser(cmd.OutOrStdout(), a.Store.Snapshot())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				if _, err := a.Store.Restore(ctx); err != nil {
					return err
				}
				res := a.Manager.Logout(ctx)
				printMessages(cmd.OutOrStdout(), res.Success, res.Messages)
				return res.Err
			})
		},
	}
}

func newPasswordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Recover a forgotten password",
	}

	var email, otp, password string
	run := func(action func(ctx context.Context, a *App) identity.Result) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				res := action(ctx, a)
				printMessages(cmd.OutOrStdout(), res.Success, res.Messages)
				return res.Err
			})
		}
	}

	forgot := &cobra.Command{
		Use:   "forgot",
		Short: "Mail a one-time reset code",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *App) identity.Result {
			return a.Manager.ForgotPassword(ctx, backend.PasswordRecovery{Email: email})
		}),
	}
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check a reset code",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *App) identity.Result {
			return a.Manager.VerifyOTP(ctx, backend.OTPVerification{Email: email, OTP: otp})
		}),
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password with a reset code",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, a *App) identity.Result {
			return a.Manager.ResetPassword(ctx, backend.PasswordReset{
				Email:                email,
				OTP:                  otp,
				Password:             password,
				PasswordConfirmation: password,
			})
		}),
	}

	for _, c := range []*cobra.Command{forgot, verify, reset} {
		c.Flags().StringVar(&email, "email", "", "account email")
		_ = c.MarkFlagRequired("email")
	}
	for _, c := range []*cobra.Command{verify, reset} {
		c.Flags().StringVar(&otp, "otp", "", "code from the reset email")
		_ = c.MarkFlagRequired("otp")
	}
	reset.Flags().StringVar(&password, "password", "", "new password")
	_ = reset.MarkFlagRequired("password")

	cmd.AddCommand(forgot, verify, reset)
	return cmd
}

func newWhoamiCommand() *cobra.Command {
	var (
		offline bool
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				out := cmd.OutOrStdout()
				if offline {
					u, role, err := a.Store.Rehydrate(ctx)
					if err != nil {
						return fmt.Errorf("%w: %v", errNotSignedIn, err)
					}
					fmt.Fprintf(out, "%s %s %s\n", titleStyle.Render(u.DisplayName()), dimStyle.Render("("+role.String()+")"), dimStyle.Render("offline"))
					return nil
				}

				if err := startAndWait(ctx, a, wait); err != nil {
					return err
				}
				snap := a.Store.Snapshot()
				if !snap.Authenticated() {
					return errNotSignedIn
				}
				printUser(out, snap)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "read the stored login payload without contacting the backend")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for session validation")
	return cmd
}

func newNotificationsCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Work with the notification feed",
	}
	cmd.PersistentFlags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the session and feed")

	feedCmd := func(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, a *App, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *App) error {
					if err := startAndWait(ctx, a, wait); err != nil {
						return err
					}
					if !a.Store.Snapshot().Authenticated() {
						return errNotSignedIn
					}
					waitFeed(ctx, a.Feed, wait)
					if err := fn(ctx, a, args); err != nil {
						return err
					}
					printFeed(cmd.OutOrStdout(), a.Feed.Snapshot())
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		feedCmd("list", "Show the live feed", cobra.NoArgs, func(context.Context, *App, []string) error {
			return nil
		}),
		feedCmd("fetch-all", "Pull the REST feed and merge it in", cobra.NoArgs, func(ctx context.Context, a *App, _ []string) error {
			return a.Feed.FetchAll(ctx)
		}),
		feedCmd("read <id>", "Mark one notification read", cobra.ExactArgs(1), func(ctx context.Context, a *App, args []string) error {
			if err := a.Feed.FetchAll(ctx); err != nil {
				return err
			}
			return a.Feed.MarkAsRead(ctx, args[0])
		}),
		feedCmd("read-all", "Mark every notification read", cobra.NoArgs, func(ctx context.Context, a *App, _ []string) error {
			if err := a.Feed.FetchAll(ctx); err != nil {
				return err
			}
			return a.Feed.MarkAllAsRead(ctx)
		}),
	)
	return cmd
}

// withApp builds a quiet App for a one-shot command and releases it after.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	cfg := LoadConfig()
	cfg.MetricsEnabled = false
	log := NewLogger(EnvString("ELAW_CLI_LOG_LEVEL", "error"), "pretty")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func startAndWait(ctx context.Context, a *App, wait time.Duration) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := a.WaitReady(waitCtx); err != nil {
		return fmt.Errorf("session still loading: %w", err)
	}
	return nil
}

// waitFeed gives the push subscription up to wait to deliver its first
// window.
func waitFeed(ctx context.Context, agg *notify.Aggregator, wait time.Duration) {
	ch, stop := agg.Watch()
	defer stop()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case snap, ok := <-ch:
			if !ok || (!snap.Loading && snap.UserID != "") {
				return
			}
		}
	}
}

func printMessages(w io.Writer, success bool, msgs []string) {
	style := okStyle
	if !success {
		style = errStyle
	}
	for _, m := range msgs {
		fmt.Fprintln(w, style.Render(m))
	}
}

func printUser(w io.Writer, snap session.Snapshot) {
	if snap.User == nil {
		return
	}
	fmt.Fprintf(w, "%s <%s> %s\n",
		titleStyle.Render(snap.User.DisplayName()),
		snap.User.Email,
		dimStyle.Render("("+snap.Role.String()+")"),
	)
}

func printFeed(w io.Writer, snap notify.Snapshot) {
	if snap.Err != nil {
		fmt.Fprintln(w, errStyle.Render("live feed unavailable: "+snap.Err.Error()))
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d notifications, %d unread", len(snap.Items), snap.Unread)))
	for _, n := range snap.Items {
		mark := " "
		if !n.Read {
			mark = unreadMark
		}
		source := string(n.Source)
		if source == "" {
			source = "live"
		}
		fmt.Fprintf(w, "%s %s %s\n  %s %s\n",
			mark,
			titleStyle.Render(n.Title),
			dimStyle.Render("["+n.ID+"]"),
			n.Message,
			dimStyle.Render(source+" · "+n.CreatedAt.Local().Format("2006-01-02 15:04")),
		)
	}
}
