package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.nanomsg.org/mangos/v3"

	"github.com/dd0wney/cluso-kv/pkg/events"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replication event tools",
	}
	cmd.AddCommand(newEventsTailCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var (
		addr   string
		prefix string
		count  int
	)
	cmd := &cobra.Command{
		Use:     "tail",
		Short:   "Print replication events published by a node",
		Example: "cluso-kv events tail --addr tcp://127.0.0.1:7600 --prefix repl.link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub, err := events.Subscribe(addr, prefix)
			if err != nil {
				return err
			}
			defer sub.Close()
			cmd.SilenceUsage = true

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				_ = sub.Close()
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for n := 0; count <= 0 || n < count; n++ {
				ev, err := sub.Next(0)
				if err != nil {
					if errors.Is(err, mangos.ErrClosed) || ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("receive: %w", err)
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "tcp://127.0.0.1:7600", "publisher URL")
	cmd.Flags().StringVar(&prefix, "prefix", "repl.", "event type prefix to subscribe to")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many events (0 = forever)")
	return cmd
}
