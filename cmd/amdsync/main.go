package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/config"
	"github.com/ehr/amdsync/internal/domain/era"
	"github.com/ehr/amdsync/internal/platform/auth"
	"github.com/ehr/amdsync/internal/platform/db"
	"github.com/ehr/amdsync/migrations"
)

const appName = "amdsync"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "Practice management sync service",
		SilenceUsage: true,
	}
	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		sessionCmd(),
		ratelimitCmd(),
		lookupCmd(),
		claimsCmd(),
		eraCmd(),
		tokenCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			displayAppname(cmd.OutOrStdout())
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func displayAppname(w io.Writer) {
	fmt.Fprintln(w, figure.NewFigure(appName, "cybermedium", true).String())
}

// withApp loads configuration, opens the app for a one-shot command and
// closes it afterwards.
func withApp(cmd *cobra.Command, vendor bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	if vendor {
		if err := a.initSession(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrationsFS(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, m *db.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

// withPool opens only the database; migrations must run before the services
// that depend on the schema.
func withPool(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrationsFS(cfg)))
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage the vendor session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current vendor session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.admin.SessionInfo())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reauth",
		Short: "Discard the session and log in again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				info, err := a.admin.Reauthenticate(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	})

	var (
		creds       session.Credentials
		environment string
		partnerPass string
		userPass    string
	)
	configure := &cobra.Command{
		Use:   "configure",
		Short: "Store vendor credentials",
		Long: "Store vendor credentials. Passwords are read from the named secrets: " +
			"SSM parameters when AWS is configured, AMD_-prefixed environment variables otherwise " +
			"(/amdsync/partner-password reads AMD_PARTNER_PASSWORD).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				clients, err := loadAWS(ctx, a.cfg)
				if err != nil {
					return err
				}
				r := resolver(clients)
				if creds.PartnerPassword, err = r.GetSecret(ctx, partnerPass); err != nil {
					return err
				}
				if creds.Password, err = r.GetSecret(ctx, userPass); err != nil {
					return err
				}
				if err := a.admin.Configure(ctx, creds, environment); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Credentials stored.")
				return nil
			})
		},
	}
	configure.Flags().StringVar(&creds.OfficeKey, "office-key", "", "Vendor office key")
	configure.Flags().StringVar(&creds.PartnerUsername, "partner-username", "", "Partner login username")
	configure.Flags().StringVar(&creds.Username, "username", "", "Office user name")
	configure.Flags().StringVar(&creds.AppName, "app-name", "", "Application name sent at login")
	configure.Flags().StringVar(&environment, "environment", "production", "Vendor environment label")
	configure.Flags().StringVar(&partnerPass, "partner-password-secret", "/amdsync/partner-password", "Secret holding the partner password")
	configure.Flags().StringVar(&userPass, "password-secret", "/amdsync/password", "Secret holding the office user password")
	_ = configure.MarkFlagRequired("office-key")
	_ = configure.MarkFlagRequired("partner-username")
	_ = configure.MarkFlagRequired("username")
	cmd.AddCommand(configure)
	return cmd
}

func ratelimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect and reset vendor rate limit state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status [endpoint]",
		Short: "Show rate limit state for one endpoint or all tiers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := ""
			if len(args) == 1 {
				endpoint = args[0]
			}
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				st, err := a.admin.RateLimitStatus(ctx, endpoint)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear all counters and backoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.admin.ResetRateLimits(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Rate limit state reset.")
				return nil
			})
		},
	})
	return cmd
}

func lookupCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "lookup <namespace> <code>",
		Short: "Resolve a code to its vendor ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				res, err := a.admin.Lookup(ctx, args[0], args[1], refresh)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	return cmd
}

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Claim maintenance tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check-pending",
		Short: "Poll the vendor for every submitted claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				res, err := a.claims.CheckAllPending(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func eraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "era",
		Short: "Remittance import and reconciliation",
	}

	var (
		format    string
		profile   string
		autoMatch bool
		autoPost  bool
	)
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CSV or 835 remittance file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, autoPost, func(ctx context.Context, a *app) error {
				mapping, err := a.profiles.Get(profile)
				if err != nil {
					return err
				}
				records, err := era.Parse(data, format, mapping)
				if err != nil {
					return err
				}
				res, err := a.era.Import(ctx, records, autoMatch, autoPost)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	importCmd.Flags().StringVar(&format, "format", "", "csv or 835 (detected when empty)")
	importCmd.Flags().StringVar(&profile, "profile", "", "CSV column profile")
	importCmd.Flags().BoolVar(&autoMatch, "auto-match", true, "Match payments to charges")
	importCmd.Flags().BoolVar(&autoPost, "auto-post", false, "Post high-confidence matches")
	cmd.AddCommand(importCmd)

	var start, end string
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare local payments with vendor charge balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, err := parseRange(start, end, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.era.Reconcile(ctx, from, to))
			})
		},
	}
	reconcile.Flags().StringVar(&start, "start", "", "Start date (MM/DD/YYYY or YYYY-MM-DD), default 30 days ago")
	reconcile.Flags().StringVar(&end, "end", "", "End date, default today")
	cmd.AddCommand(reconcile)
	return cmd
}

// parseRange defaults to the thirty days ending now.
func parseRange(start, end string, now time.Time) (time.Time, time.Time, error) {
	to := now
	if end != "" {
		t, err := amd.ParseDate(end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
		to = t
	}
	from := to.AddDate(0, 0, -30)
	if start != "" {
		t, err := amd.ParseDate(start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--start is after --end")
	}
	return from, to, nil
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, splitRoles(roles), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "Token subject (user ID)")
	cmd.Flags().StringVar(&roles, "roles", auth.RoleBilling, "Comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
