package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor/fleetagent/internal/artifact"
	"github.com/conductor/fleetagent/pkg/log"
)

var attachmentsExpiry time.Duration

var attachmentsCmd = &cobra.Command{
	Use:   "attachments",
	Short: "Inspect job attachments kept in object storage",
}

var attachmentsURLCmd = &cobra.Command{
	Use:   "url <job-id>",
	Short: "Print a presigned download URL for a job's attachments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StorageEndpoint == "" {
			return fmt.Errorf("object storage is not configured (set FLEET_AGENT_STORAGE_ENDPOINT)")
		}

		storage, err := artifact.NewStorage(artifact.StorageConfig{
			Endpoint:        cfg.StorageEndpoint,
			Bucket:          cfg.StorageBucket,
			Region:          cfg.StorageRegion,
			AccessKeyID:     cfg.StorageAccessKey,
			SecretAccessKey: cfg.StorageSecretKey,
			UseSSL:          cfg.StorageUseSSL,
			Prefix:          cfg.AgentID,
		}, log.New("warn", "console"))
		if err != nil {
			return err
		}

		url, err := storage.PresignedURL(cmd.Context(), args[0], attachmentsExpiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

func init() {
	attachmentsURLCmd.Flags().DurationVar(&attachmentsExpiry, "expires", time.Hour, "Validity of the URL")
	attachmentsCmd.AddCommand(attachmentsURLCmd)
}
