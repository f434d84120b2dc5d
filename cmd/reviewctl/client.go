package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/reviewrag/internal/http"
)

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var (
		topK        int
		temperature float64
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Ask the reviewrag daemon a question",
		Long: `Send a question to a running reviewrag daemon and print the answer and
the matching reviews.

Examples:
  reviewctl query "how is the battery?"
  reviewctl query --top-k 3 --temperature 0.2 "does the screen scratch?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := httpserver.QueryRequest{QueryText: args[0]}
			if cmd.Flags().Changed("top-k") {
				body.TopK = &topK
			}
			if cmd.Flags().Changed("temperature") {
				body.Temperature = &temperature
			}
			reqJSON, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request: %w", err)
			}

			url := fmt.Sprintf("%s/api/v1/query", opts.serverURL)
			httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(reqJSON))
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 60 * time.Second}
			resp, err := client.Do(httpReq)
			if err != nil {
				return fmt.Errorf("failed to send request to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return statusError(resp)
			}

			var matches []httpserver.MatchResponse
			if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(matches) > 0 && matches[0].GeneratedResponse != nil {
				fmt.Fprintf(out, "Answer: %s\n\n", *matches[0].GeneratedResponse)
			}
			for i, m := range matches {
				fmt.Fprintf(out, "%d. [%s] %.4f %s\n", i+1, m.ReviewID, m.SimilarityScore, m.ReviewText)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 5, "number of reviews to retrieve")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature (0 to 2)")
	return cmd
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check reviewrag server health",
		Long: `Check the health status of the reviewrag daemon.

Examples:
  reviewctl health
  reviewctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := fmt.Sprintf("%s/health", opts.serverURL)

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return statusError(resp)
			}

			var health httpserver.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", health.Status)
			if health.Generation != "" {
				fmt.Fprintf(out, "Generation:    %s\n", health.Generation)
			} else {
				fmt.Fprintln(out, "Generation:    none (run reviewctl index)")
			}
			return nil
		},
	}
}

func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
