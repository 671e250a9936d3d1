package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"relayhub/internal/model"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [uid]",
	Short: "List jobs, or show one job in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showJob(args[0])
		}
		return listJobs()
	},
}

func listJobs() error {
	resp, err := hubRequest(http.MethodGet, "/v1/jobs", nil)
	if err != nil {
		return err
	}

	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	var result struct {
		Jobs []model.JobSnapshot `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode jobs response: %w", err)
	}

	if len(result.Jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	fmt.Printf("%-36s %-12s %-6s %-16s %-12s %-12s\n",
		"UID", "STATUS", "KIND", "NODE", "BYTES", "FILES")
	for _, j := range result.Jobs {
		fmt.Printf("%-36s %-12s %-6s %-16s %-12d %-12d\n",
			j.UID, j.Status, j.Kind, j.Node, j.BytesDone, j.FilesDone)
	}

	return nil
}

func showJob(uid string) error {
	resp, err := hubRequest(http.MethodGet, "/v1/jobs/"+uid, nil)
	if err != nil {
		return err
	}

	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var result map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&result)
		return fmt.Errorf("hub error: %s", result["error"])
	}

	var snap model.JobSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode job response: %w", err)
	}

	fmt.Printf("uid:      %s\n", snap.UID)
	fmt.Printf("node:     %s\n", snap.Node)
	fmt.Printf("kind:     %s\n", snap.Kind)
	fmt.Printf("src:      %s\n", snap.Src)
	fmt.Printf("dst:      %s\n", snap.Dst)
	fmt.Printf("status:   %s\n", snap.Status)
	fmt.Printf("bytes:    %d\n", snap.BytesDone)
	fmt.Printf("files:    %d\n", snap.FilesDone)
	if snap.LastError != "" {
		fmt.Printf("error:    %s\n", snap.LastError)
	}

	return nil
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
