package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"postbox/internal/mailbox"
	"postbox/internal/watch"
)

// Reply envelopes mirror the ops server's JSON responses.

type confirmationReply struct {
	Result string `json:"result"`
}

type watchReply struct {
	Result string       `json:"result"`
	Status watch.Status `json:"status"`
}

type unwatchReply struct {
	Result     string   `json:"result"`
	Recipients []string `json:"recipients"`
}

type watchesReply struct {
	Watches []watch.Status `json:"watches"`
}

type messagesReply struct {
	Recipient string            `json:"recipient"`
	Messages  []mailbox.Message `json:"messages"`
}

type healthReply struct {
	Status  string        `json:"status"`
	Store   string        `json:"store,omitempty"`
	Mail    mailbox.Stats `json:"mail"`
	Watches int           `json:"watches"`
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send <to> <from> <message...>",
		Short: "Store a message for a named recipient",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			var reply confirmationReply
			err = cli.post(cmd.Context(), "/v1/send", map[string]string{
				"to":      args[0],
				"from":    args[1],
				"message": strings.Join(args[2:], " "),
			}, &reply)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Result)
			return nil
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <name> [instructions...]",
		Short: "Subscribe the calling context to a recipient's unread mail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.contextID() == "" {
				return errors.New("--context is required")
			}
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			var reply watchReply
			err = cli.post(cmd.Context(), "/v1/watch", map[string]string{
				"name":         args[0],
				"instructions": strings.Join(args[1:], " "),
			}, &reply)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Result)
			return nil
		},
	}
}

func newUnwatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unwatch [name]",
		Short: "Withdraw the calling context's watch on one recipient, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ctx.contextID() == "" {
				return errors.New("--context is required")
			}
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			body := map[string]string{}
			if len(args) == 1 {
				body["name"] = args[0]
			}
			var reply unwatchReply
			if err := cli.post(cmd.Context(), "/v1/unwatch", body, &reply); err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			fmt.Fprintln(stdout, reply.Result)
			if len(args) == 0 {
				for _, r := range reply.Recipients {
					fmt.Fprintf(stdout, "  - %s\n", r)
				}
			}
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Report whether a recipient is watched and by whom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			var reply watchReply
			if err := cli.get(cmd.Context(), "/v1/watch/"+args[0], nil, &reply); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Result)
			return nil
		},
	}
}

func newWatchesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watches",
		Short: "List every active watch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			var reply watchesReply
			if err := cli.get(cmd.Context(), "/v1/watches", nil, &reply); err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if len(reply.Watches) == 0 {
				fmt.Fprintln(stdout, "No active watches.")
				return nil
			}
			for _, st := range reply.Watches {
				fmt.Fprintf(stdout, "%-24s refcount=%d subscribers=%d", st.Recipient, st.RefCount, st.Subscribers)
				if st.Instructions != "" {
					fmt.Fprintf(stdout, " instructions=%q", st.Instructions)
				}
				fmt.Fprintln(stdout)
			}
			return nil
		},
	}
}

func newMessagesCommand(ctx *commandContext) *cobra.Command {
	var unread bool
	var limit int

	cmd := &cobra.Command{
		Use:   "messages <recipient>",
		Short: "Show a recipient's mail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			q := url.Values{}
			if unread {
				q.Set("unread", "1")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var reply messagesReply
			if err := cli.get(cmd.Context(), "/v1/messages/"+args[0], q, &reply); err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if len(reply.Messages) == 0 {
				fmt.Fprintf(stdout, "No messages for %q.\n", reply.Recipient)
				return nil
			}
			for _, m := range reply.Messages {
				marker := " "
				if !m.Read {
					marker = "*"
				}
				fmt.Fprintf(stdout, "%s %s  from %s\n", marker, m.CreatedAt.UTC().Format(time.RFC3339), m.Sender)
				for _, line := range strings.Split(m.Body, "\n") {
					fmt.Fprintf(stdout, "    %s\n", line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "Only unread messages")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of messages (default 100, cap 500)")
	return cmd
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health and mailbox statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.client()
			if err != nil {
				return err
			}
			var reply healthReply
			if err := cli.get(cmd.Context(), "/healthz", nil, &reply); err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			fmt.Fprintf(stdout, "status:  %s\n", reply.Status)
			if reply.Store != "" {
				fmt.Fprintf(stdout, "store:   %s\n", reply.Store)
			}
			fmt.Fprintf(stdout, "mail:    %d total, %d unread\n", reply.Mail.Total, reply.Mail.Unread)
			fmt.Fprintf(stdout, "watches: %d\n", reply.Watches)
			for _, rs := range reply.Mail.Recipients {
				fmt.Fprintf(stdout, "  %-24s %d unread\n", rs.Recipient, rs.Unread)
			}
			return nil
		},
	}
}
