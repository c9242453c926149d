package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketvane/internal/pipeline"
	"marketvane/internal/types"
)

// apiClient is the thin REST client behind resume, cancel and status.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach %s (is vane serve running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume an interrupted or failed run from its last completed phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(http.MethodPost, "/pipelines/"+args[0]+"/resume", nil); err != nil {
			return err
		}
		fmt.Printf("Run %s resuming\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel an executing run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(http.MethodPost, "/pipelines/"+args[0]+"/cancel", nil); err != nil {
			return err
		}
		fmt.Printf("Run %s cancelling\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [RUN_ID]",
	Short: "Show one run in detail, or the most recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()

		if len(args) == 1 {
			var detail pipeline.RunDetail
			if err := client.do(http.MethodGet, "/pipelines/"+args[0], &detail); err != nil {
				return err
			}
			printRun(&detail)
			return nil
		}

		var out struct {
			Runs []*types.PipelineRun `json:"runs"`
		}
		if err := client.do(http.MethodGet, "/pipelines/recent?limit=10", &out); err != nil {
			return err
		}
		if len(out.Runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		fmt.Printf("%-36s %-12s %-10s %-10s %s\n", "RUN", "CLIENT", "MODE", "STATUS", "STARTED")
		for _, run := range out.Runs {
			fmt.Printf("%-36s %-12s %-10s %-10s %s\n",
				run.ID, run.ClientID, run.Mode, run.Status,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}
