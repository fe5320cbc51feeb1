package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/ollabot/internal/db"
	"github.com/stupiduntilnot/ollabot/internal/eventtree"
)

func newEventsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event tree of the latest bot run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			if !cmd.Flags().Changed("db") {
				dbPath = v.GetString("db.path")
			}
			dbPath = strings.TrimSpace(dbPath)
			if dbPath == "" {
				return fmt.Errorf("missing --db (or db.path)")
			}
			rootID, _ := cmd.Flags().GetInt64("id")
			depth, _ := cmd.Flags().GetInt("depth")
			asJSON, _ := cmd.Flags().GetBool("json")
			noPayload, _ := cmd.Flags().GetBool("no-payload")

			database, err := db.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer database.Close()

			if rootID == 0 {
				rootID, err = eventtree.LatestRoot(database, "bot")
				if err != nil {
					return err
				}
			}
			root, err := eventtree.Load(database, rootID)
			if err != nil {
				return err
			}
			if root == nil {
				return fmt.Errorf("event %d not found", rootID)
			}

			opts := eventtree.Options{MaxDepth: depth, NoPayload: noPayload}
			if asJSON {
				return eventtree.RenderJSON(cmd.OutOrStdout(), root, opts)
			}
			return eventtree.Render(cmd.OutOrStdout(), root, opts)
		},
	}

	cmd.Flags().String("db", "", "SQLite event database (default: db.path).")
	cmd.Flags().Int64("id", 0, "Show the subtree of this event id instead of the latest run.")
	cmd.Flags().IntP("depth", "L", 0, "Limit display depth (0 = unlimited).")
	cmd.Flags().Bool("json", false, "Print JSON instead of a tree.")
	cmd.Flags().Bool("no-payload", false, "Hide payload fields.")
	return cmd
}
