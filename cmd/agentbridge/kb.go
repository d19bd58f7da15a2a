package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/agentbridge/internal/knowledge"
)

func newKBCmd(opts *rootOptions) *cobra.Command {
	kb := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and author knowledge base entries",
	}
	kb.AddCommand(newKBSearchCmd(opts), newKBTopicsCmd(opts), newKBAddCmd(opts), newKBUpdateCmd(opts), newKBDeleteCmd(opts))
	return kb
}

func (o *rootOptions) openKB() (*knowledge.Base, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	return knowledge.Open(cfg.KnowledgeDir, logger)
}

func newKBSearchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search entries the way the agent does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.openKB()
			if err != nil {
				return err
			}
			results := base.Search(strings.Join(args, " "))
			if limit > 0 && len(results) > limit {
				results = results[:limit]
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "no matching entries")
				return nil
			}
			for _, e := range results {
				fmt.Fprintf(out, "%s\t%s\t[%s]\n", e.Topic, e.Title, strings.Join(e.Tags, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results to print (0 for all)")
	return cmd
}

func newKBTopicsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List topics and tags as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.openKB()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"entries": base.Len(),
				"topics":  base.Topics(),
				"tags":    base.Tags(),
			})
		},
	}
}

func newKBAddCmd(opts *rootOptions) *cobra.Command {
	var (
		title string
		topic string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "add <file|->",
		Short: "Add an entry from a markdown file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			base, err := opts.openKB()
			if err != nil {
				return err
			}
			entry, err := base.Add(title, topic, content, tags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", entry.Title, entry.Filename)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "entry title")
	cmd.Flags().StringVar(&topic, "topic", "", "entry topic")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma separated tags")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newKBUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		title       string
		topic       string
		tags        []string
		contentFrom string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change the title, topic, tags or content of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p knowledge.Patch
			flags := cmd.Flags()
			if flags.Changed("title") {
				p.Title = &title
			}
			if flags.Changed("topic") {
				p.Topic = &topic
			}
			if flags.Changed("tags") {
				p.Tags, p.SetTags = tags, true
			}
			if contentFrom != "" {
				content, err := readContent(cmd.InOrStdin(), contentFrom)
				if err != nil {
					return err
				}
				p.Content = &content
			}
			if p.Title == nil && p.Topic == nil && p.Content == nil && !p.SetTags {
				return fmt.Errorf("nothing to update: set --title, --topic, --tags or --content")
			}
			base, err := opts.openKB()
			if err != nil {
				return err
			}
			entry, err := base.Update(args[0], p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%s)\n", entry.Title, entry.Filename)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&topic, "topic", "", "new topic")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "replacement tags")
	cmd.Flags().StringVar(&contentFrom, "content", "", "file with the new content, or - for stdin")
	return cmd
}

func newKBDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.openKB()
			if err != nil {
				return err
			}
			if err := base.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func readContent(stdin io.Reader, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(raw), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
