// Package deploy implements the "drover deploy" command: submit a
// deployment and application configuration to the control service.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"drover"

	"drover/cmd/drover/ui"
	"drover/internal/config"
	"drover/internal/telemetry"
)

func Cmd() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "deploy <deployment.yml> <applications.yml>",
		Short: "Submit cluster configuration to the control service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := ui.NewTelemetryOutput()
			defer output.Close()

			op, err := telemetry.Begin(cmd.Context(), output.Tracer("drover.deploy"), "deploy", telemetry.Plan{
				Steps: []telemetry.PlannedStep{
					{ID: "parse", Title: "Parse configuration"},
					{ID: "submit", Title: "Submit to control service"},
				},
			})
			if err != nil {
				return err
			}

			result, err := runDeploy(op, apiURL, args[0], args[1])
			op.End(err)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, ui.SuccessMsg("configuration applied to %d node(s)", len(result.Nodes)))
			if len(result.Nodes) == 0 {
				fmt.Fprintln(os.Stdout, ui.Muted("no nodes configured"))
				return nil
			}
			fmt.Fprintln(os.Stdout, deploymentTable(result))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:4523", "Control service admin API URL")
	return cmd
}

type configurationRequest struct {
	Applications string `json:"applications"`
	Deployment   string `json:"deployment"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func runDeploy(op *telemetry.Operation, apiURL, deploymentPath, applicationsPath string) (drover.Deployment, error) {
	var (
		deploymentYAML   []byte
		applicationsYAML []byte
		result           drover.Deployment
	)

	err := op.RunStep("parse", func(ctx context.Context) error {
		var err error
		if deploymentYAML, err = os.ReadFile(deploymentPath); err != nil {
			return err
		}
		if applicationsYAML, err = os.ReadFile(applicationsPath); err != nil {
			return err
		}
		// Parse locally so config errors surface before anything is
		// sent to the cluster.
		_, err = config.ModelFromConfiguration(applicationsYAML, deploymentYAML)
		return err
	})
	if err != nil {
		return drover.Deployment{}, err
	}

	err = op.RunStep("submit", func(ctx context.Context) error {
		var err error
		result, err = submit(ctx, apiURL, applicationsYAML, deploymentYAML)
		return err
	})
	if err != nil {
		return drover.Deployment{}, err
	}
	return result, nil
}

func submit(ctx context.Context, apiURL string, applicationsYAML, deploymentYAML []byte) (drover.Deployment, error) {
	body, err := json.Marshal(configurationRequest{
		Applications: string(applicationsYAML),
		Deployment:   string(deploymentYAML),
	})
	if err != nil {
		return drover.Deployment{}, err
	}

	url := strings.TrimRight(apiURL, "/") + "/v1/configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return drover.Deployment{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return drover.Deployment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return drover.Deployment{}, fmt.Errorf("control service rejected configuration: %s", apiErr.Error)
		}
		return drover.Deployment{}, fmt.Errorf("control service returned %s", resp.Status)
	}

	var applied drover.Deployment
	if err := json.NewDecoder(resp.Body).Decode(&applied); err != nil {
		return drover.Deployment{}, fmt.Errorf("decode applied configuration: %w", err)
	}
	return applied, nil
}

func deploymentTable(deployment drover.Deployment) string {
	nodes := append([]drover.Node(nil), deployment.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })

	rows := make([][]string, 0, len(nodes))
	for _, node := range nodes {
		names := make([]string, 0, len(node.Applications))
		for _, app := range node.Applications {
			names = append(names, app.Name)
		}
		rows = append(rows, []string{node.Hostname, strings.Join(names, ", ")})
	}
	return ui.Table([]string{"NODE", "APPLICATIONS"}, rows)
}
