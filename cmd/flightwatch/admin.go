package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"flightwatch/internal/app"
	"flightwatch/internal/config"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

const timeLayout = "2006-01-02 15:04:05"

// withStore loads the config, opens the database and runs fn against it.
func withStore(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, cfg *config.Config, st *storage.SQLite) error) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, err := app.MapStorage(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()
	return fn(cmd.Context(), cfg, st)
}

func adminCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect and maintain the database without starting the bot",
	}
	cmd.AddCommand(
		adminStatusCmd(cfgPath),
		adminGuildsCmd(cfgPath),
		adminSubsCmd(cfgPath),
		adminRecentCmd(cfgPath),
		adminClearCmd(cfgPath),
		adminRemoveSubsCmd(cfgPath),
		adminExportSubsCmd(cfgPath),
		adminReferenceStatusCmd(cfgPath),
		adminRefreshReferenceCmd(cfgPath),
		adminLogsCmd(cfgPath),
	)
	return cmd
}

func adminStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show table counts and persisted poller settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				counts, err := st.Counts(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TABLE\tROWS")
				for _, t := range storage.CountedTables() {
					fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
				}
				if err := w.Flush(); err != nil {
					return err
				}
				ps, err := st.PollerSettings(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\npolling: %s\ninterval: %s\n", describeEnabled(ps.Enabled), describeInterval(ps.IntervalSeconds))
				return nil
			})
		},
	}
}

func describeEnabled(v *bool) string {
	if v == nil {
		return "(config default)"
	}
	if *v {
		return "on"
	}
	return "off"
}

func describeInterval(v *int) string {
	if v == nil {
		return "(config default)"
	}
	return (time.Duration(*v) * time.Second).String()
}

func adminGuildsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "guilds",
		Short: "List notify channels per guild",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				chans, err := st.GuildChannels(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GUILD\tCHAT\tTHREAD\tMODEL PINGS\tAIRPORT PINGS\tSET BY\tUPDATED")
				for _, c := range chans {
					fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%d\t%s\n", c.GuildID, c.Channel.ChatID, c.Channel.ThreadID,
						orDash(c.Mentions.Models), orDash(c.Mentions.Airports), c.UpdatedBy, c.UpdatedAt.UTC().Format(timeLayout))
				}
				return w.Flush()
			})
		},
	}
}

func adminSubsCmd(cfgPath *string) *cobra.Command {
	var guild int64
	cmd := &cobra.Command{
		Use:   "subs",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				var (
					subs []storage.Subscription
					err  error
				)
				if guild != 0 {
					subs, err = st.GuildSubscriptions(ctx, guild)
				} else {
					subs, err = st.ActiveSubscriptions(ctx)
				}
				if err != nil {
					return err
				}
				return writeSubsTable(cmd.OutOrStdout(), subs)
			})
		},
	}
	cmd.Flags().Int64Var(&guild, "guild", 0, "only this guild")
	return cmd
}

func writeSubsTable(out io.Writer, subs []storage.Subscription) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGUILD\tUSER\tNAME\tKIND\tCODE\tCREATED")
	for _, s := range subs {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n", s.ID, s.GuildID, s.UserID, s.UserName, s.Kind, s.Code, s.CreatedAt.UTC().Format(timeLayout))
	}
	return w.Flush()
}

func adminRecentCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				recs, err := st.RecentNotifications(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "WHEN\tSUB\tGUILD\tUSER\tKIND\tCODE\tFLIGHT")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n", r.NotifiedAt.UTC().Format(timeLayout), r.SubscriptionID, r.GuildID, r.UserID, r.Kind, r.Code, r.FlightID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}

func adminClearCmd(cfgPath *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "clear-notifications",
		Short: "Delete notification log rows older than --days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return errors.New("--days must be at least 1")
			}
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
				n, err := st.CleanupNotifications(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows older than %s\n", n, cutoff.UTC().Format(timeLayout))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "keep this many days")
	return cmd
}

func adminRemoveSubsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-subs ID[,ID...]",
		Short: "Delete subscriptions by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				n, err := st.RemoveSubscriptionsByID(ctx, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d of %d subscriptions\n", n, len(ids))
				return nil
			})
		},
	}
}

// parseIDs accepts ids as separate args or comma separated.
func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	seen := map[int64]bool{}
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid subscription id %q", part)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no subscription ids given")
	}
	return ids, nil
}

func adminExportSubsCmd(cfgPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export-subs",
		Short: "Write all subscriptions as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				subs, err := st.ActiveSubscriptions(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if outPath != "" && outPath != "-" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				return writeSubsCSV(out, subs)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func writeSubsCSV(out io.Writer, subs []storage.Subscription) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"id", "guild_id", "user_id", "user_name", "kind", "code", "created_at"}); err != nil {
		return err
	}
	for _, s := range subs {
		row := []string{
			strconv.FormatInt(s.ID, 10),
			strconv.FormatInt(s.GuildID, 10),
			strconv.FormatInt(s.UserID, 10),
			s.UserName,
			string(s.Kind),
			s.Code,
			s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func adminReferenceStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reference-status",
		Short: "Show when reference datasets were last fetched",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, *cfgPath, func(ctx context.Context, _ *config.Config, st *storage.SQLite) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "DATASET\tROWS\tUPSTREAM UPDATED\tFETCHED")
				for _, ds := range []string{reference.DatasetAirports, reference.DatasetModels} {
					m, err := st.ReferenceMeta(ctx, ds)
					if errors.Is(err, storage.ErrNotFound) {
						fmt.Fprintf(w, "%s\t-\t-\tnever\n", ds)
						continue
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ds, m.RowCount, m.UpdatedAt, m.FetchedAt.UTC().Format(timeLayout))
				}
				return w.Flush()
			})
		},
	}
}

func adminRefreshReferenceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-reference [airports|models|all]",
		Short: "Download reference data into the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset := reference.DatasetAll
			if len(args) == 1 {
				dataset = args[0]
			}
			return withStore(cmd, *cfgPath, func(ctx context.Context, cfg *config.Config, st *storage.SQLite) error {
				rc, err := app.MapReference(cfg)
				if err != nil {
					return err
				}
				svc := reference.NewService(rc, st, logx.NewConsole(cfg.Logging.Level))
				if _, _, err := svc.LoadFromStore(ctx); err != nil {
					return err
				}
				res, err := svc.Refresh(ctx, dataset)
				if err != nil {
					return err
				}
				for _, r := range res {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows (upstream %s)\n", r.Dataset, r.Rows, r.UpdatedAt)
				}
				if log := reference.Changelog(res); log != "" {
					fmt.Fprintln(cmd.OutOrStdout(), log)
				}
				return nil
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func adminLogsCmd(cfgPath *string) *cobra.Command {
	var (
		lines    int
		contains string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the log file and its rotated backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printLogTail(cmd.OutOrStdout(), cfg.Logging.File.Path, lines, contains)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 200, "number of lines to print")
	cmd.Flags().StringVar(&contains, "contains", "", "only lines containing this text (case-insensitive)")
	return cmd
}

func printLogTail(out io.Writer, path string, n int, contains string) error {
	if n < 1 {
		return errors.New("--lines must be at least 1")
	}
	tail, err := logx.ReadTail(path, n, contains)
	if err != nil {
		return err
	}
	if len(tail) == 0 {
		_, err := fmt.Fprintln(out, "No logs found.")
		return err
	}
	_, err = fmt.Fprintln(out, strings.Join(tail, "\n"))
	return err
}
