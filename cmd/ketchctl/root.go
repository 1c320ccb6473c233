// Command ketchctl is the control CLI for a running ketchd daemon,
// grounded on surge-downloader's cmd/root.go + cmd/add.go/get.go shape:
// a client that talks to an HTTP control server over a local port
// rather than embedding the engine itself. Generalized from surge's
// single-port-file discovery to an explicit --addr flag, since ketchd
// always listens on a fixed, configured address instead of picking one
// dynamically at startup.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "ketchctl",
	Short: "Control client for a running ketchd daemon",
	Long:  `ketchctl talks to a running ketchd's REST control server to queue, inspect, and manage downloads.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:4280", "ketchd control server address")
	rootCmd.AddCommand(addCmd, lsCmd, showCmd, pauseCmd, resumeCmd, cancelCmd, removeCmd, watchCmd)
}

type apiError struct {
	Error string `json:"error"`
}

func apiURL(path string) string {
	return fmt.Sprintf("http://%s%s", serverAddr, path)
}

func doRequest(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, apiURL(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to ketchd at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("ketchd: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("ketchd: unexpected status %s", resp.Status)
	}
	return data, nil
}
