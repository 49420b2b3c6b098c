package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cloudless/buildfarm/pkg/agent"
	"github.com/cloudless/buildfarm/pkg/capabilities"
	"github.com/cloudless/buildfarm/pkg/observability"
)

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

func newProber(workingDir string, extra []string, logger *zap.Logger) capabilities.Prober {
	return capabilities.NewSystemProber(workingDir, extra, logger)
}

func newInspectCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the capabilities this agent would report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			logger, err := observability.NewLogger("warn")
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			prober := newProber(viper.GetString("working_dir"), viper.GetStringSlice("capabilities"), logger)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			caps, err := prober.Probe(ctx)
			if err != nil {
				return fmt.Errorf("failed to probe capabilities: %w", err)
			}

			return render(cmd.OutOrStdout(), output, caps, func() ([]string, [][]string) {
				rows := make([][]string, 0, len(caps.Properties))
				for _, p := range caps.Properties {
					key, value, _ := strings.Cut(p, "=")
					rows = append(rows, []string{"agent", key, value})
				}
				for _, d := range caps.Devices {
					for _, p := range d.Properties {
						key, value, _ := strings.Cut(p, "=")
						rows = append(rows, []string{d.Handle, key, value})
					}
				}
				return []string{"Device", "Property", "Value"}, rows
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatYAML, "Output format (table, json, yaml)")
	return cmd
}

func newLeasesCommand() *cobra.Command {
	var (
		output string
		addr   string
	)
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "List the leases of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(); err != nil {
				return err
			}
			if addr == "" {
				addr = statusAddr(viper.GetString("metrics_addr"))
			}

			leases, err := fetchLeases(cmd.Context(), addr)
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), output, leases, func() ([]string, [][]string) {
				return leaseTable(leases)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "Output format (table, json, yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "Status server address (defaults to the metrics address)")
	return cmd
}

func leaseTable(leases []agent.LeaseView) ([]string, [][]string) {
	rows := make([][]string, 0, len(leases))
	for _, l := range leases {
		rows = append(rows, []string{l.ID, l.Name, l.Type, l.State, l.Outcome})
	}
	return []string{"ID", "Name", "Type", "State", "Outcome"}, rows
}

// statusAddr turns a bind address into one a client can connect to
func statusAddr(bind string) string {
	if strings.HasPrefix(bind, "0.0.0.0:") {
		return "localhost:" + strings.TrimPrefix(bind, "0.0.0.0:")
	}
	if strings.HasPrefix(bind, ":") {
		return "localhost" + bind
	}
	return bind
}

func fetchLeases(ctx context.Context, addr string) ([]agent.LeaseView, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/leases", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %s", resp.Status)
	}

	var leases []agent.LeaseView
	if err := json.NewDecoder(resp.Body).Decode(&leases); err != nil {
		return nil, fmt.Errorf("failed to decode leases: %w", err)
	}
	return leases, nil
}
