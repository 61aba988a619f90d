package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gustycube/osintd/internal/api"
	"github.com/gustycube/osintd/internal/notify"
	"github.com/gustycube/osintd/internal/output"
	"github.com/gustycube/osintd/internal/store"
	"github.com/gustycube/osintd/internal/types"
)

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// itemRow is the flat export form of a stored item.
type itemRow types.CollectedItem

func (r itemRow) CSVHeader() []string {
	return []string{"id", "source", "source_url", "collected_at", "content_type", "title", "fingerprint"}
}

func (r itemRow) CSVRecord() []string {
	return []string{r.ID, r.Source, r.SourceURL, r.CollectedAt.Format(time.RFC3339), string(r.ContentType), r.Title, r.Fingerprint}
}

// export streams rows through an output writer for non-table formats and
// reports whether it did.
func export[T any](w io.Writer, format string, rows []T, wrap func(T) any) (bool, error) {
	if format == "" || format == "table" {
		return false, nil
	}
	ow, err := output.NewWriter(format, w)
	if err != nil {
		return true, err
	}
	for _, r := range rows {
		if err := ow.Write(wrap(r)); err != nil {
			return true, err
		}
	}
	return true, ow.Flush()
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored intelligence",
	}
	cmd.AddCommand(
		queryItemsCmd(),
		queryItemCmd(),
		querySearchCmd(),
		queryStatsCmd(),
		queryRelatedCmd(),
		queryRecordsCmd(),
		queryNotificationsCmd(),
		queryRunsCmd(),
	)
	return cmd
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	now := time.Now()
	f, err := api.ParseTime(from, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
	}
	t, err := api.ParseTime(to, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
	}
	if !f.IsZero() && !t.IsZero() && t.Before(f) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to is before --from")
	}
	return f, t, nil
}

func parseEntityType(v string) (types.EntityType, error) {
	t := types.EntityType(strings.ToLower(strings.TrimSpace(v)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", v)
	}
	return t, nil
}

func queryItemsCmd() *cobra.Command {
	var (
		entityType, value, source, from, to, format string
		limit                                       int
	)
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List items by entity, source or time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ItemFilter{Source: source, Limit: limit}
			var err error
			if entityType != "" {
				if f.EntityType, err = parseEntityType(entityType); err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("--value is required with --entity-type")
				}
				f.Value = f.EntityType.Canonical(value)
			}
			if f.From, f.To, err = parseRange(from, to); err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				items, err := st.Items(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				if done, err := export(os.Stdout, format, items, func(it types.CollectedItem) any { return itemRow(it) }); done {
					return err
				}
				renderItems(os.Stdout, items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (ip, domain, cve, ...)")
	cmd.Flags().StringVar(&value, "value", "", "entity value")
	cmd.Flags().StringVar(&source, "source", "", "source name")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339, YYYY-MM-DD or duration ago)")
	cmd.Flags().StringVar(&to, "to", "", "window end")
	cmd.Flags().IntVar(&limit, "limit", 100, "max items")
	cmd.Flags().StringVar(&format, "format", "table", "table, json, jsonl or csv")
	return cmd
}

func queryItemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "item <id>",
		Short: "Show one item with its entities and notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				item, entities, err := st.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				notes, err := st.Notifications(ctx, args[0], 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": item, "entities": entities, "notifications": notes})
				}
				fmt.Printf("%s\n%s  %s  %s\n\n%s\n\n", item.Title, item.Source, item.CollectedAt.Format(time.RFC3339), item.SourceURL, truncate(item.Content, 400))
				renderEntities(os.Stdout, entities)
				if len(notes) > 0 {
					renderNotifications(os.Stdout, notes)
				}
				return nil
			})
		},
	}
}

func querySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <keywords>",
		Short: "Full text search over titles and content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				items, err := st.Search(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderItems(os.Stdout, items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func queryStatsCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Counts by source, entity type and record status",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, t, err := parseRange(from, to)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				sources, err := st.CountsBySource(ctx, f, t)
				if err != nil {
					return err
				}
				entities, err := st.CountsByEntityType(ctx, f, t)
				if err != nil {
					return err
				}
				records, err := st.StatusCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sources": sources, "entities": entities, "records": records})
				}
				renderCounts(os.Stdout, "items by source", sources)
				renderCounts(os.Stdout, "entities by type", stringKeys(entities))
				renderCounts(os.Stdout, "records by status", stringKeys(records))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start")
	cmd.Flags().StringVar(&to, "to", "", "window end")
	return cmd
}

func stringKeys[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func queryRelatedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "related <type> <value>",
		Short: "Entities that co-occur with the given entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				rel, err := st.RelatedEntities(ctx, t, t.Canonical(args[1]), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rel)
				}
				renderRelated(os.Stdout, rel)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entities")
	return cmd
}

func queryRecordsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Processing records, optionally by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := types.Status(status)
			switch s {
			case "", types.StatusPending, types.StatusProcessing, types.StatusProcessed, types.StatusError, types.StatusDuplicate:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				recs, err := st.RecordsByStatus(ctx, s, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				renderRecords(os.Stdout, recs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, processed, error or duplicate")
	cmd.Flags().IntVar(&limit, "limit", 100, "max records")
	return cmd
}

func queryNotificationsCmd() *cobra.Command {
	var (
		itemID, format string
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Fired alert notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				notes, err := st.Notifications(ctx, itemID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				if done, err := export(os.Stdout, format, notes, func(n types.Notification) any { return notify.Row(n) }); done {
					return err
				}
				renderNotifications(os.Stdout, notes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "only notifications for this item")
	cmd.Flags().IntVar(&limit, "limit", 100, "max notifications")
	cmd.Flags().StringVar(&format, "format", "table", "table, json, jsonl or csv")
	return cmd
}

func queryRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Recent cycle summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				runs, err := st.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				renderRuns(os.Stdout, runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}
