package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var ownerID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token (requires allow_issue in the daemon config)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var resp struct {
				Token string `json:"token"`
			}
			if err := client.postJSON("/api/auth/token", map[string]string{"owner_id": ownerID}, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id to mint the token for")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
