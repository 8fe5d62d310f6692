package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/phashdb/pkg/core"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

func NewAddVPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-vp <hex>",
		Short: "Register a vantage point",
		Long:  `Register a fingerprint as a vantage point and backfill its distance column for every stored point.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.AddVantagePointHex(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("add vantage point: %w", err)
			}
			return reportVantagePoint(cmd, id, args[0])
		},
	}

	return cmd
}

func NewSuggestVPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest-vp",
		Short: "Suggest vantage points from the stored fingerprints",
		Args:  cobra.NoArgs,
		RunE:  runSuggestVP,
	}

	cmd.Flags().Int("sample", 1000, "Points sampled per suggestion")
	cmd.Flags().Int("add", 0, "Register this many suggestions instead of printing one")

	return cmd
}

func runSuggestVP(cmd *cobra.Command, _ []string) error {
	sample, _ := cmd.Flags().GetInt("sample")
	add, _ := cmd.Flags().GetInt("add")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if add > 0 {
		ids, err := db.AutoVantagePoints(ctx, add, sample)
		if err != nil {
			return fmt.Errorf("add vantage points: %w", err)
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, map[string]any{"added": ids})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %d vantage points\n", len(ids))
		return nil
	}

	sg, err := db.Index().SuggestVantagePoint(ctx, sample)
	if err != nil {
		return fmt.Errorf("suggest vantage point: %w", err)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, sg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\tscore=%d\tpolicy=%s\n", sg.Value, sg.Score, sg.Policy)
	return nil
}

func NewShellsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shells [<vp-id>]",
		Short: "Show or rebalance vantage point shells",
		Long: `Show the distance shells of one vantage point, or of all of them.
With --rebalance N the shells are recomputed as N equal-population quantiles;
with --bounds the given inclusive upper bounds are recorded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runShells,
	}

	cmd.Flags().Int("rebalance", 0, "Recompute N equal-population shells")
	cmd.Flags().String("bounds", "", "Comma separated inclusive upper bounds to record")

	return cmd
}

func runShells(cmd *cobra.Command, args []string) error {
	rebalance, _ := cmd.Flags().GetInt("rebalance")
	boundsFlag, _ := cmd.Flags().GetString("bounds")
	if (rebalance > 0 || boundsFlag != "") && len(args) == 0 {
		return fmt.Errorf("--rebalance and --bounds need a vantage point id")
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	index := db.Index()

	var ids []int64
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vantage point id %q", args[0])
		}
		ids = []int64{id}
	} else {
		vps, err := index.ListVantagePoints(ctx)
		if err != nil {
			return err
		}
		for _, vp := range vps {
			ids = append(ids, vp.ID)
		}
	}

	var all []core.Shell
	for _, id := range ids {
		var shells []core.Shell
		switch {
		case rebalance > 0:
			shells, err = index.RebalanceShells(ctx, id, rebalance)
		case boundsFlag != "":
			var bounds []uint64
			bounds, err = parseBounds(boundsFlag)
			if err == nil {
				shells, err = index.RecordShellBoundaries(ctx, id, bounds)
			}
		default:
			shells, err = index.Shells(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("vantage point %d: %w", id, err)
		}
		all = append(all, shells...)
	}

	if wantJSON(cmd) {
		if all == nil {
			all = []core.Shell{}
		}
		return outputJSON(cmd, all)
	}
	for _, sh := range all {
		fmt.Fprintf(cmd.OutOrStdout(), "vp %d\t[%d, %d]\t%d\n", sh.VantagePointID, sh.Lower, sh.Upper, sh.Count)
	}
	return nil
}

func parseBounds(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	bounds := make([]uint64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid bound %q", core.ErrInvalidArgument, part)
		}
		bounds = append(bounds, v)
	}
	return bounds, nil
}

func parseHexArg(s string) (fingerprint.Fingerprint, error) {
	fp, err := fingerprint.ParseHex(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidFingerprint, err)
	}
	return fp, nil
}

func reportVantagePoint(cmd *cobra.Command, id int64, value string) error {
	if wantJSON(cmd) {
		return outputJSON(cmd, map[string]any{"id": id, "value": value})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Vantage point %d added\n", id)
	return nil
}
