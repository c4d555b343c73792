package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Inspect or reset the running engine's risk session",
}

var riskShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current risk state",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return callOps(cmd, http.MethodGet, "/v1/risk") },
}

var riskResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new risk session now",
	Long: `Reset trade count, realized P&L, loss streak and the circuit breaker on the
running engine, exactly as the scheduled session reset does.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error { return callOps(cmd, http.MethodPost, "/v1/risk/reset") },
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Inspect or resume the running engine's order router",
}

var routerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print mode, halt flag and live failure count",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return callOps(cmd, http.MethodGet, "/v1/router") },
}

var routerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear the live failure halt",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return callOps(cmd, http.MethodPost, "/v1/router/resume") },
}

var opsAddr string

func init() {
	rootCmd.AddCommand(riskCmd)
	riskCmd.AddCommand(riskShowCmd)
	riskCmd.AddCommand(riskResetCmd)
	rootCmd.AddCommand(routerCmd)
	routerCmd.AddCommand(routerShowCmd)
	routerCmd.AddCommand(routerResumeCmd)

	for _, c := range []*cobra.Command{riskCmd, routerCmd} {
		c.PersistentFlags().StringVar(&opsAddr, "addr", "", "ops server address (default: server.addr from config)")
	}
}

func opsBaseURL() (string, error) {
	addr := opsAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		addr = cfg.Server.Addr
	}
	if addr == "" {
		return "", fmt.Errorf("no ops server address: set server.addr or --addr")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

// callOps sends one request to the ops server and pretty-prints the data
// field of the reply.
func callOps(cmd *cobra.Command, method, path string) error {
	base, err := opsBaseURL()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ops server: read reply: %w", err)
	}
	var reply struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("ops server: %s: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ops server: %s: %s", resp.Status, reply.Message)
	}

	var pretty any
	if err := json.Unmarshal(reply.Data, &pretty); err != nil {
		return fmt.Errorf("ops server: decode data: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
