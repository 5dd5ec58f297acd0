package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/client"
	"github.com/matheus3301/convsync/internal/paths"
)

type rootFlags struct {
	profile string
	addr    string
	json    bool
	timeout time.Duration
}

func main() {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "convsyncctl",
		Short:         "Control a running convsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.profile, "profile", "", "profile name (overrides config default)")
	pf.StringVar(&flags.addr, "addr", "", "daemon TCP address; default is the profile socket")
	pf.BoolVar(&flags.json, "json", false, "output in JSON format")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")

	limit, offset := 20, 0

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "Show daemon health",
			Args:  cobra.NoArgs,
			RunE: run(&flags, func(ctx context.Context, c *client.Client, _ []string) error {
				h, err := c.Health(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return outputJSON(h)
				}
				fmt.Printf("Status:  %v\nHandles: %v\n", h["status"], h["handles"])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "open <self> <other>",
			Short: "Open a handle on the conversation between two participants",
			Args:  cobra.ExactArgs(2),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				v, err := c.Open(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printHandle(v, flags.json)
			}),
		},
		&cobra.Command{
			Use:   "show <handle>",
			Short: "Show a handle's messages",
			Args:  cobra.ExactArgs(1),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				v, err := c.Handle(ctx, args[0])
				if err != nil {
					return err
				}
				return printHandle(v, flags.json)
			}),
		},
		actionCmd(&flags, "more", "Load the next page of history"),
		actionCmd(&flags, "refresh", "Re-read the newest page"),
		actionCmd(&flags, "resubscribe", "Restore live delivery on a degraded handle"),
		&cobra.Command{
			Use:   "send <handle> <text...>",
			Short: "Send a message",
			Args:  cobra.MinimumNArgs(2),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				resp, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					if resp.Message.ClientID != "" {
						fmt.Fprintf(os.Stderr, "send failed; retry with: convsyncctl retry %s %s\n", args[0], resp.Message.ClientID)
					}
					return err
				}
				return printSend(resp, flags.json)
			}),
		},
		&cobra.Command{
			Use:   "retry <handle> <client-id>",
			Short: "Retry a failed send",
			Args:  cobra.ExactArgs(2),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				resp, err := c.Retry(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printSend(resp, flags.json)
			}),
		},
		&cobra.Command{
			Use:   "close <handle>",
			Short: "Close a handle",
			Args:  cobra.ExactArgs(1),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				return c.CloseHandle(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "participant <id>",
			Short: "Show a participant profile",
			Args:  cobra.ExactArgs(1),
			RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
				resp, err := c.Participant(ctx, args[0])
				if err != nil {
					return err
				}
				if flags.json {
					return outputJSON(resp)
				}
				stale := ""
				if resp.Stale {
					stale = " (cached)"
				}
				fmt.Printf("%s  %s%s\n", resp.Participant.ID, resp.Participant.Name, stale)
				return nil
			}),
		},
	)

	convs := &cobra.Command{
		Use:   "conversations <participant>",
		Short: "List a participant's conversations, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: run(&flags, func(ctx context.Context, c *client.Client, args []string) error {
			resp, err := c.Conversations(ctx, args[0], limit, offset)
			if err != nil {
				return err
			}
			if flags.json {
				return outputJSON(resp)
			}
			if len(resp.Conversations) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}
			for _, conv := range resp.Conversations {
				fmt.Printf("%-36s %-20s %s\n", conv.ID, conv.Other(args[0]), conv.UpdatedAt.Local().Format(time.DateTime))
			}
			return nil
		}),
	}
	convs.Flags().IntVar(&limit, "limit", limit, "page size")
	convs.Flags().IntVar(&offset, "offset", offset, "page offset")
	root.AddCommand(convs)

	root.AddCommand(&cobra.Command{
		Use:   "follow <handle>",
		Short: "Print a handle's snapshot after every change until it closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(flags)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			err = c.Follow(ctx, args[0], func(event string, data []byte) error {
				switch {
				case flags.json:
					fmt.Printf("{\"event\":%q,\"data\":%s}\n", event, data)
				case event == api.EventSnapshot:
					var v api.HandleView
					if err := json.Unmarshal(data, &v); err != nil {
						return err
					}
					fmt.Println("---")
					return printHandle(v, false)
				case event == api.EventClosed:
					fmt.Println("handle closed")
				}
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func connect(flags rootFlags) (*client.Client, error) {
	if flags.addr != "" {
		return client.NewTCP(flags.addr), nil
	}
	profile := paths.ResolveProfile(flags.profile)
	if err := paths.ValidateProfile(profile); err != nil {
		return nil, err
	}
	return client.New(paths.SocketPath(profile)), nil
}

// run adapts a request against the daemon into a cobra RunE.
func run(flags *rootFlags, fn func(ctx context.Context, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := connect(*flags)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
		defer cancel()
		return fn(ctx, c, args)
	}
}

func actionCmd(flags *rootFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <handle>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(flags, func(ctx context.Context, c *client.Client, args []string) error {
			v, err := c.Action(ctx, args[0], action)
			if err != nil {
				return err
			}
			return printHandle(v, flags.json)
		}),
	}
}

func printHandle(v api.HandleView, jsonOut bool) error {
	if jsonOut {
		return outputJSON(v)
	}
	fmt.Printf("Handle:       %s\n", v.ID)
	fmt.Printf("Conversation: %s (%s with %s)\n", v.Conversation.ID, v.Self, v.Conversation.Other(v.Self))
	fmt.Printf("Status:       %s", v.Status)
	if v.Stale {
		fmt.Print(" (cached history)")
	}
	fmt.Println()
	// Oldest first reads naturally in a terminal.
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		fmt.Printf("  %s  %-12s %-9s %s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, m.DeliveryState, m.Body)
	}
	if v.HasMore {
		fmt.Println("  (older messages available)")
	}
	return nil
}

func printSend(resp api.SendResponse, jsonOut bool) error {
	if jsonOut {
		return outputJSON(resp)
	}
	fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.DeliveryState)
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
