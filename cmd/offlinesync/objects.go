package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

func parseDocument(arg string) (*document.Object, error) {
	doc, err := document.ParseObject([]byte(arg))
	if err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return doc, nil
}

func (c *cli) printRecord(cmd *cobra.Command, rec *types.ObjectRecord) error {
	p, err := c.printer(cmd)
	if err != nil {
		return err
	}
	v := newRecordView(rec)
	return p.print(v, func(tw *tabwriter.Writer) { writeRecords(tw, []recordView{v}) })
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <bucket> <id>",
		Short: "Read one object from the local replica",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return c.printRecord(cmd, rec)
			})
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		where      string
		sort       string
		projection string
		limit      int
		skip       int
		count      bool
		deleted    bool
	)
	cmd := &cobra.Command{
		Use:   "query <bucket>",
		Short: "Find objects in the local replica",
		Long: `Find objects matching a MongoDB-style condition, for example

  offlinesync query notes --where '{"owner":"ana","size":{"$gt":10}}' --sort -updatedAt --limit 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.New()
			if where != "" {
				clause, err := parseDocument(where)
				if err != nil {
					return fmt.Errorf("--where: %w", err)
				}
				q.Clause = clause
			}
			q.SortOrders = query.ParseSort(sort)
			q.Limit = limit
			q.Skip = skip
			q.WantCount = count
			q.IncludeDeleted = deleted
			if projection != "" {
				q.Projection = strings.Split(projection, ",")
			}

			return c.run(cmd, func(ctx context.Context, a *app) error {
				res, err := a.svc.Find(ctx, args[0], q)
				if err != nil {
					return err
				}
				v := queryView{Records: make([]recordView, 0, len(res.Records))}
				for _, r := range res.Records {
					v.Records = append(v.Records, newRecordView(r))
				}
				if count {
					n := res.Count
					v.Count = &n
				}
				p, err := c.printer(cmd)
				if err != nil {
					return err
				}
				return p.print(v, func(tw *tabwriter.Writer) {
					writeRecords(tw, v.Records)
					if v.Count != nil {
						fmt.Fprintf(tw, "\n%d matching\n", *v.Count)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "JSON condition")
	cmd.Flags().StringVarP(&sort, "sort", "s", "", "comma separated sort fields, - prefix for descending")
	cmd.Flags().StringVar(&projection, "fields", "", "comma separated fields to return")
	cmd.Flags().IntVarP(&limit, "limit", "l", -1, "maximum results, -1 for all")
	cmd.Flags().IntVar(&skip, "skip", 0, "results to skip")
	cmd.Flags().BoolVar(&count, "count", false, "report the number of matches")
	cmd.Flags().BoolVar(&deleted, "include-deleted", false, "include locally deleted objects")
	return cmd
}

func (c *cli) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <bucket> <json>",
		Short: "Create an object locally",
		Long:  "Create an object. An _id field in the document becomes its ID; otherwise one is generated.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(args[1])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Create(ctx, args[0], doc)
				if err != nil {
					return err
				}
				return c.printRecord(cmd, rec)
			})
		},
	}
}

func (c *cli) patchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patch <bucket> <id> <json>",
		Short: "Merge top-level fields into a local object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseDocument(args[2])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Update(ctx, args[0], args[1], patch)
				if err != nil {
					return err
				}
				return c.printRecord(cmd, rec)
			})
		},
	}
}

func (c *cli) replaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replace <bucket> <id> <json>",
		Short: "Replace the whole document of a local object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(args[2])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Replace(ctx, args[0], args[1], doc)
				if err != nil {
					return err
				}
				return c.printRecord(cmd, rec)
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <bucket> <id>",
		Short: "Delete an object locally",
		Long:  "Delete an object. Objects the server knows are kept as tombstones until the next push.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.Delete(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}
