package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <uid>",
	Short: "Stop a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := hubRequest(http.MethodPost, "/v1/jobs/"+args[0]+"/stop", nil)
		if err != nil {
			return err
		}

		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)

		var result struct {
			UID     string `json:"uid"`
			Stopped bool   `json:"stopped"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode stop response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("hub error: %s", result.Error)
		}

		if result.Stopped {
			fmt.Println("stopped")
		} else {
			fmt.Println("nothing to stop")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
