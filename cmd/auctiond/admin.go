package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/sealedbid/config"
	"github.com/cloudx-io/sealedbid/receipt"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			logger := commonRun()

			db, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("database migrated", "component", programName, "driver", cfg.DatabaseDriver)
			return db.Close()
		},
	}
}

func keygenCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a receipt signing key and print its public key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = config.FromContext(cmd.Context()).ReceiptKeyPath
			}
			if out == "" {
				return errors.New("no output path: pass --out or set receiptKeyPath")
			}
			keys, err := receipt.NewKeyManager()
			if err != nil {
				return err
			}
			if err := keys.WritePrivateKeyPEM(out); err != nil {
				return err
			}
			pub, err := keys.PublicKeyPEM()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), pub)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "private key output path (defaults to receiptKeyPath)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
