package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tomaslejdung/peeprelay/pkg/client"
	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

func newIDsCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "List the identifiers registered on a broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			ids, err := listIDs(ctx, url)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:9000/ws", "broker WebSocket URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long")
	return cmd
}

// listIDs registers a throwaway probe identifier, asks for the registry
// listing and returns it without the probe itself.
func listIDs(ctx context.Context, url string) ([]string, error) {
	c, err := client.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	probe := "probe-" + uuid.NewString()[:8]
	if err := c.Register(probe, "", nil); err != nil {
		return nil, err
	}
	if _, err := c.WaitFor(ctx, protocol.TypeRegistered); err != nil {
		return nil, fmt.Errorf("register %s: %w", probe, err)
	}

	if err := c.List(); err != nil {
		return nil, err
	}
	reply, err := c.WaitFor(ctx, protocol.TypeList)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	ids := make([]string, 0, len(reply.IDs))
	for _, id := range reply.IDs {
		if id != probe {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
