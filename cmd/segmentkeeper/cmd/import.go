package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/segmentkeeper/internal/core/db"
	"github.com/solatis/segmentkeeper/internal/core/memstore"
	"github.com/solatis/segmentkeeper/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import FIXTURE",
	Short: "Load organizations, custom fields and donors from a JSON fixture",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fixture, err := memstore.ReadFixture(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cmd, nil, true)
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now().UTC()
	for _, o := range fixture.Organizations {
		_, err := a.store.GetOrganization(ctx, o.ID)
		switch {
		case errors.Is(err, db.ErrOrganizationNotFound):
			name := o.Name
			if name == "" {
				name = string(o.ID)
			}
			org := types.Organization{ID: o.ID, Name: name, ReportingTimezone: o.ReportingTimezone, CreatedAt: now}
			if err := a.store.CreateOrganization(ctx, org); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		defs, err := o.Definitions()
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := a.store.DefineCustomField(ctx, def); err != nil {
				return err
			}
		}
	}

	for i, d := range fixture.Donors {
		if d.ID == "" {
			d.ID = types.NewDonorID()
		}
		if err := a.store.InsertDonor(ctx, d); err != nil {
			return fmt.Errorf("donor %d: %w", i, err)
		}
	}

	logger.Info().
		Int("organizations", len(fixture.Organizations)).
		Int("donors", len(fixture.Donors)).
		Msg("fixture imported")
	return nil
}
