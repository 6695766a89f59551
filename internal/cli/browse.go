package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"pulsespace/pkg/models"
)

func newChannelsCmd(e *env) *cobra.Command {
	var workspace int64
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List visible channels with unread counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := e.profile()
			if err != nil {
				return err
			}
			if err := p.requireToken(); err != nil {
				return err
			}
			api := e.api(p)
			ctx := cmd.Context()

			ids := []int64{workspace}
			if workspace == 0 && p.Workspace != 0 {
				ids = []int64{p.Workspace}
			}
			if ids[0] == 0 {
				wss, err := api.Workspaces(ctx)
				if err != nil {
					return errors.Annotate(err, "list workspaces")
				}
				ids = ids[:0]
				for _, w := range wss {
					ids = append(ids, w.ID)
				}
			}

			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKSPACE\tCHANNEL\tNAME\tVISIBILITY\tUNREAD\tLATEST")
			for _, ws := range ids {
				list, err := api.Channels(ctx, ws)
				if err != nil {
					return errors.Annotatef(err, "list channels of workspace %d", ws)
				}
				for _, c := range list {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\n",
						ws, c.ID, c.Name, c.Visibility, c.UnreadCount, latestLine(c.LatestMessage))
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int64Var(&workspace, "workspace", 0, "workspace id (all workspaces when unset)")
	return cmd
}

func latestLine(m *models.Message) string {
	if m == nil {
		return "-"
	}
	return fmt.Sprintf("%s: %s", m.SenderName, truncate(m.Content, 40))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newHistoryCmd(e *env) *cobra.Command {
	var cur models.Cursor
	cmd := &cobra.Command{
		Use:   "history <channel-id>",
		Short: "Print one page of channel history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chID, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := e.profile()
			if err != nil {
				return err
			}
			if err := p.requireToken(); err != nil {
				return err
			}
			msgs, err := e.api(p).Page(cmd.Context(), chID, cur)
			if err != nil {
				return errors.Annotatef(err, "history of channel %d", chID)
			}
			for _, m := range msgs {
				e.printf("%s\n", formatMessage(m))
			}
			if e.verbose && len(msgs) > 0 {
				e.printf("-- %d messages, ids %d..%d; older: --before %d\n",
					len(msgs), msgs[0].ID, msgs[len(msgs)-1].ID, msgs[0].ID)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&cur.BeforeID, "before", 0, "only messages with id below this")
	cmd.Flags().Int64Var(&cur.AfterID, "after", 0, "only messages with id above this")
	cmd.Flags().IntVar(&cur.Limit, "limit", 0, "page size (server default when unset)")
	return cmd
}

func formatMessage(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s (%s): %s", m.ID, m.SenderName, humanize.Time(m.CreatedAt.Time), m.Content)
	if m.IsReply() {
		who, what := "?", ""
		if m.ReplyToSenderName != nil {
			who = *m.ReplyToSenderName
		}
		if m.ReplyToContent != nil {
			what = truncate(*m.ReplyToContent, 30)
		}
		fmt.Fprintf(&b, "  ↪ #%d %s: %s", *m.ReplyToID, who, what)
	}
	return b.String()
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(s, &id); err != nil || id <= 0 {
		return 0, errors.NotValidf("id %q", s)
	}
	return id, nil
}
