package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/solatis/segmentkeeper/internal/core/memstore"
	"github.com/solatis/segmentkeeper/internal/core/segments"
	"github.com/solatis/segmentkeeper/internal/rules"
	"github.com/solatis/segmentkeeper/internal/types"
)

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count the donors matching a rule tree",
	Long: `Validate a rule tree and print the number of matching donors.

Donors come from the database, or from a JSON fixture when --fixture is set.
Use --rules - to read the rule tree from stdin.`,
	RunE: runCount,
}

func init() {
	rootCmd.AddCommand(countCmd)
	countCmd.Flags().String("org", "", "organization id (required)")
	countCmd.Flags().String("rules", "", "rule tree JSON file, or - for stdin (required)")
	countCmd.Flags().String("fixture", "", "evaluate against a JSON donor fixture instead of the database")
	_ = countCmd.MarkFlagRequired("org")
	_ = countCmd.MarkFlagRequired("rules")
}

func readRules(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return data, nil
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	orgFlag, _ := cmd.Flags().GetString("org")
	rulesPath, _ := cmd.Flags().GetString("rules")
	fixture, _ := cmd.Flags().GetString("fixture")
	org := types.OrganizationID(orgFlag)

	raw, err := readRules(cmd, rulesPath)
	if err != nil {
		return err
	}

	var manager *segments.Manager
	if fixture != "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		loc, err := cfg.Segments.Location()
		if err != nil {
			return err
		}
		store, err := memstore.LoadFixture(fixture)
		if err != nil {
			return err
		}
		evaluator := rules.NewEvaluator(store,
			rules.WithLocationResolver(store),
			rules.WithDefaultLocation(loc),
		)
		manager = segments.NewManager(store, store, evaluator,
			segments.WithLogger(logger.With().Str("component", "segments").Logger()))
	} else {
		a, err := openApp(ctx, cmd, nil, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if manager, err = a.manager(); err != nil {
			return err
		}
	}

	count, err := manager.Preview(ctx, org, raw)
	if err != nil {
		var verrs types.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", ve)
			}
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), count)
	return nil
}
