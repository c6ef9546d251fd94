package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/hub"
)

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channels",
	}

	var flagDescription string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			ch, eventID, err := cli.CreateChannel(cmd.Context(), args[0], flagDescription)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(ch)
			}
			if !flagQuiet {
				fmt.Printf("✓ Channel %s created (%s, event %d)\n", ch.ID, ch.Name, eventID)
			}
			return nil
		},
	}
	create.Flags().StringVar(&flagDescription, "description", "", "Channel description")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			channels, err := cli.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(channels)
			}
			if len(channels) == 0 {
				fmt.Println("No channels (create one: chorus channel create <name>)")
				return nil
			}
			for _, ch := range channels {
				line := fmt.Sprintf("%-8s %s", ch.ID, ch.Name)
				if ch.Description != "" {
					line += "  — " + ch.Description
				}
				fmt.Println(line)
			}
			return nil
		},
	})

	return cmd
}

func topicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <channel-id> <title>",
		Short: "Create a topic in a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			tp, eventID, err := cli.CreateTopic(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(tp)
			}
			if !flagQuiet {
				fmt.Printf("✓ Topic %s created in %s (event %d)\n", tp.ID, tp.ChannelID, eventID)
			}
			return nil
		},
	})

	var (
		flagLimit  int
		flagOffset int
	)
	list := &cobra.Command{
		Use:   "list <channel-id>",
		Short: "List topics in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			topics, more, err := cli.ListTopics(cmd.Context(), args[0], flagLimit, flagOffset)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"topics": topics, "has_more": more})
			}
			for _, tp := range topics {
				fmt.Printf("%-8s %s\n", tp.ID, tp.Title)
			}
			if more {
				fmt.Printf("… more (rerun with --offset %d)\n", flagOffset+len(topics))
			}
			return nil
		},
	}
	list.Flags().IntVar(&flagLimit, "limit", 50, "Maximum topics to return")
	list.Flags().IntVar(&flagOffset, "offset", 0, "Topics to skip")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <topic-id> <title>",
		Short: "Rename a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			tp, err := cli.RenameTopic(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(tp)
			}
			if !flagQuiet {
				fmt.Printf("✓ Topic %s renamed to %q\n", tp.ID, tp.Title)
			}
			return nil
		},
	})

	return cmd
}

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send and manage messages",
	}

	cmd.AddCommand(messageSendCmd())
	cmd.AddCommand(messageListCmd())
	cmd.AddCommand(messageEditCmd())
	cmd.AddCommand(messageDeleteCmd())
	cmd.AddCommand(messageMoveCmd())

	return cmd
}

// defaultSender picks the sender identity: CHORUS_SENDER, else the OS
// username.
func defaultSender() string {
	if s := os.Getenv("CHORUS_SENDER"); s != "" {
		return s
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func messageSendCmd() *cobra.Command {
	var flagSender string
	cmd := &cobra.Command{
		Use:   "send <topic-id> [content]",
		Short: "Send a message to a topic",
		Long: `Sends a message. Content comes from the argument, or from stdin
when piped:

  echo "build is green" | chorus message send tp_1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			switch {
			case len(args) == 2:
				content = args[1]
			case !isInteractive():
				raw, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = strings.TrimRight(string(raw), "\n")
			default:
				return errors.New("no content given (pass it as an argument or pipe it on stdin)")
			}

			cli, err := connect()
			if err != nil {
				return err
			}
			msg, eventID, err := cli.CreateMessage(cmd.Context(), args[0], flagSender, content)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(msg)
			}
			if !flagQuiet {
				fmt.Printf("✓ Message %s sent (event %d)\n", msg.ID, eventID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSender, "sender", defaultSender(), "Sender identity")
	return cmd
}

func messageListCmd() *cobra.Command {
	var (
		flagBefore string
		flagAfter  string
		flagLimit  int
	)
	cmd := &cobra.Command{
		Use:   "list <topic-id>",
		Short: "List messages in a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			msgs, more, err := cli.ListMessages(cmd.Context(), args[0], flagBefore, flagAfter, flagLimit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"messages": msgs, "has_more": more})
			}
			for _, m := range msgs {
				fmt.Println(formatMessage(&m))
			}
			if more {
				fmt.Println("… more (page with --before/--after)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagBefore, "before", "", "Return messages before this message id")
	cmd.Flags().StringVar(&flagAfter, "after", "", "Return messages after this message id")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum messages to return")
	return cmd
}

func formatMessage(m *hub.Message) string {
	if m.Deleted() {
		return fmt.Sprintf("%s  [%s] %s: (deleted)", m.CreatedAt, m.ID, m.Sender)
	}
	line := fmt.Sprintf("%s  [%s] %s: %s", m.CreatedAt, m.ID, m.Sender, m.ContentRaw)
	if m.EditedAt != nil {
		line += fmt.Sprintf(" (edited, v%d)", m.Version)
	}
	return line
}

// expectedVersionFlag returns the pointer the client expects: nil when the
// flag was not set, so the daemon skips the version check.
func expectedVersionFlag(cmd *cobra.Command, v int64) *int64 {
	if !cmd.Flags().Changed("expect-version") {
		return nil
	}
	return &v
}

func messageEditCmd() *cobra.Command {
	var flagExpectVersion int64
	cmd := &cobra.Command{
		Use:   "edit <message-id> <content>",
		Short: "Edit a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			msg, err := cli.EditMessage(cmd.Context(), args[0], args[1],
				expectedVersionFlag(cmd, flagExpectVersion))
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(msg)
			}
			if !flagQuiet {
				fmt.Printf("✓ Message %s edited (now v%d)\n", msg.ID, msg.Version)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&flagExpectVersion, "expect-version", 0,
		"Fail with VERSION_CONFLICT unless the message is at this version")
	return cmd
}

func messageDeleteCmd() *cobra.Command {
	var (
		flagActor         string
		flagExpectVersion int64
	)
	cmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message (tombstone; the id and history remain)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			msg, err := cli.DeleteMessage(cmd.Context(), args[0], flagActor,
				expectedVersionFlag(cmd, flagExpectVersion))
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(msg)
			}
			if !flagQuiet {
				fmt.Printf("✓ Message %s deleted\n", msg.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagActor, "actor", defaultSender(), "Who is deleting")
	cmd.Flags().Int64Var(&flagExpectVersion, "expect-version", 0,
		"Fail with VERSION_CONFLICT unless the message is at this version")
	return cmd
}

func messageMoveCmd() *cobra.Command {
	var (
		flagMode          string
		flagConfirm       bool
		flagExpectVersion int64
	)
	cmd := &cobra.Command{
		Use:   "move <message-id> <to-topic-id>",
		Short: "Move messages to another topic",
		Long: `Moves the message (mode "one"), the message and every later
message by the same sender in the topic (mode "later"), or every message by
the sender in the topic (mode "all", requires --confirm).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			res, err := cli.MoveMessages(cmd.Context(), args[0], args[1], flagMode,
				expectedVersionFlag(cmd, flagExpectVersion), flagConfirm)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(res)
			}
			if !flagQuiet {
				fmt.Printf("✓ Moved %d message(s) to %s\n", res.Count, args[1])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagMode, "mode", "one", `Move mode: "one", "later", or "all"`)
	cmd.Flags().BoolVar(&flagConfirm, "confirm", false, `Required for mode "all"`)
	cmd.Flags().Int64Var(&flagExpectVersion, "expect-version", 0,
		"Fail with VERSION_CONFLICT unless the message is at this version")
	return cmd
}
