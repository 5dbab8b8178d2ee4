package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/oidc-agent/internal/agent"
	"github.com/alexjbarnes/oidc-agent/internal/config"
	"github.com/alexjbarnes/oidc-agent/internal/ipc"
	"github.com/spf13/cobra"
)

const clientTimeout = 60 * time.Second

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the loaded accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd, &agent.Request{Op: agent.OpList})
			if err != nil {
				return err
			}

			for _, name := range resp.AccountList {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}

			return nil
		},
	}
	addSocketFlag(cmd)

	return cmd
}

func newTokenCmd() *cobra.Command {
	var minValid time.Duration

	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Print an access token for a loaded account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd, &agent.Request{
				Op:             agent.OpToken,
				Account:        args[0],
				MinValidPeriod: int64(minValid / time.Second),
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.AccessToken)

			return nil
		},
	}
	addSocketFlag(cmd)
	cmd.Flags().DurationVar(&minValid, "min-valid", 0, "minimum remaining lifetime of the returned token")

	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Exit successfully if an agent is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd, &agent.Request{Op: agent.OpCheck})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.Info)

			return nil
		},
	}
	addSocketFlag(cmd)

	return cmd
}

func addSocketFlag(cmd *cobra.Command) {
	def := os.Getenv("OIDC_SOCK")
	if def == "" {
		def = config.DefaultSocketPath()
	}

	cmd.Flags().String("socket", def, "agent socket path (env OIDC_SOCK)")
}

// request sends req to the running agent. An error response becomes an
// error.
func request(cmd *cobra.Command, req *agent.Request) (*agent.Response, error) {
	path, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	c, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("is the agent running? %w", err)
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case agent.StatusSuccess, agent.StatusAccepted:
		return resp, nil
	case agent.StatusNotFound:
		return nil, errors.New(strings.TrimSpace("not found " + resp.Info))
	}

	if resp.Error == "" {
		return nil, errors.New("agent returned an error")
	}

	return nil, errors.New(resp.Error)
}
