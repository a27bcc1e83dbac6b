package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ohrelay/internal/config"
	"github.com/nextlevelbuilder/ohrelay/internal/store"
)

func withConversationStore(fn func(ctx context.Context, st store.ConversationStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	st, err := openConversationStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, st)
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage saved conversation mappings",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsClearCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all saved conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(ctx context.Context, st store.ConversationStore) error {
				recs, err := st.List(ctx)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("no saved conversations")
					return nil
				}
				for _, rec := range recs {
					name := rec.DisplayName
					if name == "" {
						name = "-"
					}
					fmt.Printf("%-28s %-20s %s  (last active %s)\n",
						rec.SenderIdentity, name, rec.ConversationID,
						rec.UpdatedAt.Local().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sender-identity>",
		Short: "Show one conversation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversationStore(func(ctx context.Context, st store.ConversationStore) error {
				rec, err := st.FindByIdentity(ctx, args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no conversation for %s", args[0])
				}
				fmt.Printf("id:              %s\n", rec.ID)
				fmt.Printf("sender:          %s\n", rec.SenderIdentity)
				fmt.Printf("display name:    %s\n", rec.DisplayName)
				fmt.Printf("conversation id: %s\n", rec.ConversationID)
				fmt.Printf("created:         %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
				fmt.Printf("updated:         %s\n", rec.UpdatedAt.Local().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [sender-identity]",
		Short: "Delete a conversation mapping (or all with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) != 1 {
				return fmt.Errorf("pass a sender identity or --all")
			}
			return withConversationStore(func(ctx context.Context, st store.ConversationStore) error {
				if all {
					recs, err := st.List(ctx)
					if err != nil {
						return err
					}
					for _, rec := range recs {
						if err := st.Delete(ctx, rec.SenderIdentity); err != nil {
							return err
						}
					}
					fmt.Printf("cleared %d conversation(s)\n", len(recs))
					return nil
				}
				if err := st.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("cleared %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every saved conversation")
	return cmd
}
