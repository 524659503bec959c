package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/solatis/segmentkeeper/internal/core/auth"
	"github.com/solatis/segmentkeeper/internal/core/config"
	"github.com/solatis/segmentkeeper/internal/types"
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an organization and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, _ := cmd.Flags().GetString("id")
		tz, _ := cmd.Flags().GetString("timezone")
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}

		a, err := openApp(ctx, cmd, nil, true)
		if err != nil {
			return err
		}
		defer a.Close()

		org := types.Organization{
			ID:                types.OrganizationID(id),
			Name:              args[0],
			ReportingTimezone: tz,
			CreatedAt:         time.Now().UTC(),
		}
		if err := a.store.CreateOrganization(ctx, org); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), org.ID)
		return nil
	},
}

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage segment API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Issue an API key for an organization",
	Long: `Issue an API key bound to --org. The key is printed once; only its
HMAC is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runAPIKeyCreate,
}

var apiKeyRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd, nil, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.RevokeAPIKey(ctx, args[0], time.Now().UTC()); err != nil {
			return err
		}
		logger.Info().Str("api_key_id", args[0]).Msg("api key revoked")
		return nil
	},
}

func init() {
	orgCreateCmd.Flags().String("id", "", "organization id (generated when empty)")
	orgCreateCmd.Flags().String("timezone", "UTC", "reporting timezone (IANA name)")
	orgCmd.AddCommand(orgCreateCmd)

	apiKeyCreateCmd.Flags().String("org", "", "organization id (required)")
	apiKeyCreateCmd.Flags().String("secret-id", "", "HMAC secret id; the highest configured id when empty")
	_ = apiKeyCreateCmd.MarkFlagRequired("org")
	apiKeyCmd.AddCommand(apiKeyCreateCmd, apiKeyRevokeCmd)

	rootCmd.AddCommand(orgCmd, apiKeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	orgFlag, _ := cmd.Flags().GetString("org")
	secretID, _ := cmd.Flags().GetString("secret-id")

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}
	if secretID == "" {
		// UUIDv7 ids sort by creation time, so the highest is the newest secret.
		ids := make([]string, 0, len(secrets))
		for id := range secrets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		secretID = ids[len(ids)-1]
	}
	secret, ok := secrets[secretID]
	if !ok {
		return fmt.Errorf("secret id %s is not configured", secretID)
	}

	a, err := openApp(ctx, cmd, nil, true)
	if err != nil {
		return err
	}
	defer a.Close()

	org := types.OrganizationID(orgFlag)
	if _, err := a.store.GetOrganization(ctx, org); err != nil {
		return err
	}

	key, err := auth.GenerateAPIKey(secretID)
	if err != nil {
		return err
	}
	record := types.APIKey{
		ID:             uuid.Must(uuid.NewV7()).String(),
		OrganizationID: org,
		Name:           args[0],
		SecretID:       secretID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.store.InsertAPIKey(ctx, record, auth.HashAPIKey(secret, key)); err != nil {
		return err
	}

	logger.Info().Str("api_key_id", record.ID).Str("organization_id", string(org)).Msg("api key created")
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
