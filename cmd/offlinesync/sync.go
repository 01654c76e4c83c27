package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/synckit"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [bucket...]",
		Short: "Run a pull-then-push pass",
		Long:  "Run a sync pass over the named buckets, or over every registered bucket when none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				var (
					results []*synckit.SyncResult
					err     error
				)
				if len(args) == 0 {
					results, err = a.svc.SyncAll(ctx)
				} else {
					for _, bucket := range args {
						var res *synckit.SyncResult
						res, err = a.svc.Sync(ctx, bucket)
						if res != nil {
							results = append(results, res)
						}
						if err != nil {
							break
						}
					}
				}

				views := make([]resultView, 0, len(results))
				for _, r := range results {
					views = append(views, newResultView(r))
				}
				p, perr := c.printer(cmd)
				if perr != nil {
					return perr
				}
				if perr := p.print(views, func(tw *tabwriter.Writer) { writeResults(tw, views) }); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func writeResults(tw *tabwriter.Writer, views []resultView) {
	fmt.Fprintln(tw, "BUCKET\tSTATUS\tPULLED\tPUSHED\tCONFLICTS\tID CONFLICTS\tPUSH ERRORS\tDURATION")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			v.Bucket, v.Status, v.Pulled, v.Pushed, v.Conflicts, v.IDConflicts, v.PushErrors, v.Duration)
		for _, e := range v.Errors {
			fmt.Fprintf(tw, "  error: %s\n", e)
		}
	}
}

func (c *cli) conflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <bucket>",
		Short: "List parked conflicts with their server versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				conflicts, err := a.svc.Conflicts(ctx, args[0])
				if err != nil {
					return err
				}
				views := make([]conflictView, 0, len(conflicts))
				for _, cf := range conflicts {
					views = append(views, newConflictView(cf))
				}
				p, err := c.printer(cmd)
				if err != nil {
					return err
				}
				return p.print(views, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tSTATE\tLOCAL\tSERVER")
					for _, v := range views {
						server := "?"
						switch {
						case v.ServerDeleted:
							server = "(deleted)"
						case v.Server != nil:
							server = compactJSON(v.Server.Document)
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Local.ID, v.Local.State, compactJSON(v.Local.Document), server)
					}
				})
			})
		},
	}
}

func (c *cli) resolveCmd() *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "resolve <bucket> <id>",
		Short: "Settle a conflicted object",
		Long: `Settle a conflicted object. --keep client pushes the local version now;
--keep server adopts the server version.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := types.ConflictPolicy(strings.ToUpper(policy))
			if p != types.PolicyClient && p != types.PolicyServer {
				return fmt.Errorf("--keep must be client or server, got %q", policy)
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Resolve(ctx, args[0], args[1], p)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", args[0], args[1])
					return nil
				}
				return c.printRecord(cmd, rec)
			})
		},
	}
	cmd.Flags().StringVar(&policy, "keep", "", "which side wins: client or server")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}
