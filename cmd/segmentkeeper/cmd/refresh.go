package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/segmentkeeper/internal/types"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute cached donor counts of dynamic audiences",
	Long: `Recompute the cached donor count of one dynamic audience (--audience)
or of every dynamic audience in the organization.`,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
	refreshCmd.Flags().String("org", "", "organization id (required)")
	refreshCmd.Flags().String("audience", "", "audience id; all dynamic audiences when empty")
	_ = refreshCmd.MarkFlagRequired("org")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	orgFlag, _ := cmd.Flags().GetString("org")
	audienceFlag, _ := cmd.Flags().GetString("audience")
	org := types.OrganizationID(orgFlag)

	a, err := openApp(ctx, cmd, nil, true)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.manager()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if audienceFlag != "" {
		id, err := types.ParseAudienceID(audienceFlag)
		if err != nil {
			return err
		}
		count, err := manager.Refresh(ctx, org, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", id, count)
		return nil
	}

	results, err := manager.RefreshAll(ctx, org)
	if err != nil {
		return err
	}
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror: %v\n", r.AudienceID, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\n", r.AudienceID, r.Count)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d audiences failed to refresh", failed, len(results))
	}
	if len(results) == 0 {
		logger.Info().Str("organization_id", string(org)).Msg("no dynamic audiences")
	}
	return nil
}
