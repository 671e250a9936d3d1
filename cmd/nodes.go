package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"relayhub/internal/model"

	"github.com/spf13/cobra"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List managed nodes and their reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := hubRequest(http.MethodGet, "/v1/nodes", nil)
		if err != nil {
			return err
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var nodes []model.NodeStatus
		if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
			return fmt.Errorf("failed to decode nodes response: %w", err)
		}

		if len(nodes) == 0 {
			fmt.Println("no nodes configured")
			return nil
		}

		fmt.Printf("%-16s %-24s %-10s %s\n", "NODE", "NAME", "REACHABLE", "LAST SEEN")
		for _, n := range nodes {
			lastSeen := "-"
			if n.LastSeen != nil {
				lastSeen = n.LastSeen.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-16s %-24s %-10t %s\n", n.ID, n.Name, n.Reachable, lastSeen)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}
