package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/event"
)

func eventsCmd() *cobra.Command {
	var (
		flagAfter  int64
		flagTail   int
		flagFollow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event journal",
		Long: `Prints journal events in commit order, one JSON object per line.
--after N returns events with id > N; --tail K returns the last K events.
--follow keeps streaming live events over WebSocket until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}

			if flagFollow {
				after := flagAfter
				if !cmd.Flags().Changed("after") {
					// Follow from now: replay nothing, print live only.
					// The current horizon is the id of the newest event.
					tail, err := cli.Events(cmd.Context(), -1, 1)
					if err != nil {
						return err
					}
					if len(tail) > 0 {
						after = tail[len(tail)-1].EventID
					}
				}
				ctx, cancel := signalContext()
				defer cancel()
				err = cli.Follow(ctx, after, printEvent)
				if errors.Is(err, ctx.Err()) {
					return nil
				}
				return err
			}

			after := flagAfter
			if !cmd.Flags().Changed("after") {
				after = -1 // tail-only query
			}
			events, err := cli.Events(cmd.Context(), after, flagTail)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printEvent(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&flagAfter, "after", 0, "Return events with id greater than this")
	cmd.Flags().IntVar(&flagTail, "tail", 100, "Maximum events to return")
	cmd.Flags().BoolVar(&flagFollow, "follow", false, "Stream live events until interrupted")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		flagTopic   string
		flagChannel string
		flagLimit   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over messages",
		Long: `Searches message content via the daemon's FTS index. Requires
search.enabled = true in chorus.toml; otherwise the daemon answers
SEARCH_UNAVAILABLE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			msgs, err := cli.Search(cmd.Context(), args[0], flagTopic, flagChannel, flagLimit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No matches")
				return nil
			}
			for _, m := range msgs {
				fmt.Println(formatMessage(&m))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagTopic, "topic", "", "Restrict to a topic id")
	cmd.Flags().StringVar(&flagChannel, "channel", "", "Restrict to a channel id")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum results")
	return cmd
}

func printEvent(ev event.Event) error {
	out, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
