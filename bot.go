package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"mudbot/registry"
	"mudbot/transcript"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newBotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage registered bot identities",
	}
	cmd.AddCommand(
		newBotAddCmd(a),
		newBotListCmd(a),
		newBotShowCmd(a),
		newBotRemoveCmd(a),
	)
	return cmd
}

// withStore opens the persistent registry for the duration of fn.
func (a *app) withStore(fn func(*registry.Store) error) error {
	store, err := registry.Open(a.cfg.Registry.Path)
	if err != nil {
		return err
	}
	err = fn(store)
	if cerr := store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newBotAddCmd(a *app) *cobra.Command {
	var (
		host   string
		port   int
		login  string
		secret string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a bot identity",
		Long:  "add stores a new identity. The secret is prompted for when --secret is omitted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("secret") {
				s, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				secret = s
			}
			id, err := registry.NewIdentity(args[0], host, port, login, secret)
			if err != nil {
				return err
			}
			return a.withStore(func(store *registry.Store) error {
				exists, err := store.Exists(id.Name)
				if err != nil {
					return err
				}
				if exists && !force {
					return fmt.Errorf("bot %s already exists (use --force to replace it)", id.Name)
				}
				if err := store.Put(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s as %s)\n", id.Name, id.Addr(), id.Login)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "MUD server host")
	cmd.Flags().IntVar(&port, "port", 23, "MUD server port")
	cmd.Flags().StringVar(&login, "login", "", "login name (defaults to NAME)")
	cmd.Flags().StringVar(&secret, "secret", "", "password sent after the login name")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// readSecret prompts without echo on a terminal and otherwise reads one line.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newBotListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *registry.Store) error {
				ids, listErr := store.List()
				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tADDRESS\tLOGIN")
				for _, id := range ids {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", id.Name, id.Addr(), id.Login)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s bot(s)\n", humanize.Comma(int64(len(ids))))
				if listErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Skipped malformed entries: %v\n", listErr)
				}
				return nil
			})
		},
	}
}

func newBotShowCmd(a *app) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show one identity and its latest transcript lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := a.withStore(func(store *registry.Store) error {
				id, err := store.Get(args[0])
				if errors.Is(err, registry.ErrNotFound) {
					ids, _ := store.List()
					return unknownBotError(identityNames(ids), args[0])
				}
				if err != nil {
					return err
				}
				id = id.Redacted()
				fmt.Fprintf(out, "Name:    %s\nAddress: %s\nLogin:   %s\nSecret:  %s\n", id.Name, id.Addr(), id.Login, id.Secret)
				return nil
			})
			if err != nil || tail <= 0 || !a.cfg.Transcript.SQLite.Enabled {
				return err
			}
			return printRecent(cmd.Context(), out, a.cfg.Transcript.SQLite.Path, args[0], tail)
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 10, "number of recorded lines to show (needs transcript.sqlite)")
	return cmd
}

func printRecent(ctx context.Context, out io.Writer, path, bot string, limit int) error {
	store, err := transcript.OpenSQLite(path, 0)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.Recent(ctx, bot, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No recorded lines")
		return nil
	}
	now := time.Now()
	fmt.Fprintf(out, "Last %d line(s):\n", len(entries))
	for _, e := range entries {
		marker := " "
		if e.Prompt {
			marker = ">"
		}
		fmt.Fprintf(out, "  %-16s %s %s\n", humanize.RelTime(e.At, now, "ago", "from now"), marker, e.Line)
	}
	return nil
}

func newBotRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a registered identity",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *registry.Store) error {
				if err := store.Delete(args[0]); err != nil {
					if errors.Is(err, registry.ErrNotFound) {
						ids, _ := store.List()
						return unknownBotError(identityNames(ids), args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}
