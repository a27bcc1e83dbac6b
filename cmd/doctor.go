package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ohrelay/internal/config"
	"github.com/nextlevelbuilder/ohrelay/internal/openhands"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check backend, store, and channel configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ok := true
			check := func(name string, err error) {
				if err != nil {
					ok = false
					fmt.Printf("✗ %s: %v\n", name, err)
					return
				}
				fmt.Printf("✓ %s\n", name)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client := openhands.NewClient(cfg.Backend.BaseURL, cfg.Backend.SessionAPIKey)
			check("backend reachable ("+cfg.Backend.BaseURL+")", client.Health(ctx))

			if cfg.Backend.SessionAPIKey == "" {
				fmt.Println("! session api key not set (OHRELAY_SESSION_API_KEY); fine for unauthenticated backends")
			} else {
				fmt.Println("✓ session api key present")
			}

			if cfg.Channels.WhatsApp.Enabled {
				fmt.Printf("✓ whatsapp channel enabled (bridge %s)\n", cfg.Channels.WhatsApp.BridgeURL)
			} else {
				fmt.Println("! whatsapp channel disabled; set channels.whatsapp.bridge_url or OHRELAY_BRIDGE_URL")
			}

			st, err := openConversationStore(ctx, cfg)
			if err == nil {
				st.Close()
			}
			check("conversation store", err)

			if !ok {
				return fmt.Errorf("doctor found problems")
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
