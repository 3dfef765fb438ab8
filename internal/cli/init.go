package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chorus-relay/chorus/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with a fresh random auth token",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "chorus.json"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}

			token := os.Getenv("CHORUS_AUTH_TOKEN")
			if token == "" {
				var err error
				token, err = config.GenerateRandomSecret()
				if err != nil {
					return err
				}
			}

			cfg := config.Default(token)
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("wrote %s\n", output)
			fmt.Println("clients must register with the auth.token value; keep it secret")
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./chorus.json)")
	return cmd
}
