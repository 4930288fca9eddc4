package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"illustpub/internal/accounts"
	"illustpub/internal/catalogue"
	"illustpub/internal/models"
	"illustpub/internal/services"
)

func newQueryCommand(ctx *commandContext) *cobra.Command {
	var (
		destination   string
		include       []string
		exclude       []string
		limit         int
		minPopularity float64
		accountTags   bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List selectable images for a destination",
		Example: `  illustpub query --destination acct1 --include landscape --exclude r-18
  illustpub query --destination acct1 --account-tags --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}

			criteria := models.Criteria{
				Destination:   destination,
				IncludeTags:   include,
				ExcludeTags:   exclude,
				Limit:         limit,
				MinPopularity: minPopularity,
			}
			if accountTags && len(include) == 0 {
				registry, err := accounts.Load(cfg.Paths.AccountsFile)
				if err != nil {
					return err
				}
				acct, err := registry.Lookup(destination)
				if err != nil {
					return err
				}
				criteria.IncludeTags = acct.IncludeTags()
			}

			store, err := catalogue.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := services.NewSelector(store, logger).Query(cmd.Context(), criteria)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No selectable images")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				local := "no"
				if rec.IsMaterialized() {
					local = "yes"
				}
				rows = append(rows, []string{
					strconv.FormatInt(rec.PID, 10),
					humanize.Commaf(rec.Popularity),
					rec.Author,
					strings.Join(rec.Tags, ", "),
					local,
				})
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"PID", "Popularity", "Author", "Tags", "Local"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft}))
			return nil
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "Destination account id")
	cmd.Flags().StringSliceVarP(&include, "include", "i", nil, "Include tags (any match)")
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "Exclude tags")
	cmd.Flags().IntVarP(&limit, "limit", "n", services.DefaultQueryLimit, "Maximum number of results")
	cmd.Flags().Float64Var(&minPopularity, "min-popularity", 0, "Minimum popularity")
	cmd.Flags().BoolVar(&accountTags, "account-tags", false, "Use the destination's tag groups when no include tags are given")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}
