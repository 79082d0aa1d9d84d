package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/scheduled-dispatch/internal/attachment"
	"github.com/LeventeLantos/scheduled-dispatch/internal/draft"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/recipient"
	"github.com/LeventeLantos/scheduled-dispatch/internal/schedule"
)

// draftFlags are shared by create and check.
type draftFlags struct {
	subject string
	body    string
	to      []string
	date    string
	clock   string
	zone    string
	attach  []string
	lead    time.Duration
}

func (f *draftFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.subject, "subject", "", "subject (mail only)")
	fs.StringVar(&f.body, "body", "", "message body")
	fs.StringSliceVar(&f.to, "to", nil, "contact ids from the directory")
	fs.StringVar(&f.date, "date", "", "scheduled date, YYYY-MM-DD")
	fs.StringVar(&f.clock, "time", "", "scheduled time of day, HH:MM")
	fs.StringVar(&f.zone, "tz", "", "IANA time zone of --date and --time (default local)")
	fs.StringSliceVar(&f.attach, "attach", nil, "file to attach, repeatable")
	fs.DurationVar(&f.lead, "lead", schedule.DefaultPolicy.Create, "minimum lead time")
}

func (f *draftFlags) build(ch model.Channel) (*draft.Draft, error) {
	loc, err := location(f.zone)
	if err != nil {
		return nil, err
	}
	d, err := draft.New(ch, recipient.WithCountryCode(countryCode))
	if err != nil {
		return nil, err
	}
	d.Subject = f.subject
	d.Body = f.body
	d.ContactIDs = f.to
	d.Date = f.date
	d.Clock = f.clock
	d.Location = loc
	d.Lead = f.lead
	for _, path := range f.attach {
		local, err := attachment.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := d.AddFile(local); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid --tz: %w", err)
	}
	return loc, nil
}

func newCreateCmd() *cobra.Command {
	var f draftFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a new message",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			dir, err := loadDirectory()
			if err != nil {
				return err
			}
			d, err := f.build(c.channel)
			if err != nil {
				return err
			}

			rep := d.Check(dir, time.Now())
			printWarnings(cmd.ErrOrStderr(), rep.Warnings)
			req, err := d.Build(dir, time.Now())
			if err != nil {
				return err
			}

			m, err := c.mut.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			log.Info().Str("id", m.ID).Str("channel", string(m.Channel)).Msg("message scheduled")
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	f.register(cmd)
	return cmd
}

func newCheckCmd() *cobra.Command {
	var f draftFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a draft without submitting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := selectedChannel()
			if err != nil {
				return err
			}
			dir, err := loadDirectory()
			if err != nil {
				return err
			}
			d, err := f.build(ch)
			if err != nil {
				return err
			}

			now := time.Now()
			rep := d.Check(dir, now)
			out := cmd.OutOrStdout()
			printWarnings(out, rep.Warnings)
			if !rep.OK() {
				for _, p := range rep.Problems {
					fmt.Fprintf(out, "%s: %s\n", p.Field, p.Reason)
				}
				return &model.ValidationError{Fields: rep.Problems}
			}
			fmt.Fprintf(out, "ok: %s, %s before the deadline\n",
				rep.ScheduledAt.Format(time.RFC3339),
				schedule.Remaining(rep.ScheduledAt, f.lead, now).Truncate(time.Second))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		query    string
		statuses []string
		from     string
		to       string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages of a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			f, err := buildFilter(query, statuses, from, to, limit, offset)
			if err != nil {
				return err
			}

			snap := c.cache.List(cmd.Context(), c.channel, f)
			if snap.Err != nil {
				return snap.Err
			}
			return printTable(cmd.OutOrStdout(), snap.Items)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&query, "query", "q", "", "case-insensitive text in body, subject or recipient names")
	fs.StringSliceVar(&statuses, "status", nil, "pending, sent or failed; repeatable")
	fs.StringVar(&from, "from", "", "scheduled at or after, RFC 3339")
	fs.StringVar(&to, "until", "", "scheduled before, RFC 3339")
	fs.IntVar(&limit, "limit", 0, "page size")
	fs.IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func buildFilter(query string, statuses []string, from, to string, limit, offset int) (model.Filter, error) {
	f := model.Filter{Query: strings.TrimSpace(query), Limit: limit, Offset: offset}
	for _, raw := range statuses {
		s, err := model.ParseStatus(raw)
		if err != nil {
			return model.Filter{}, err
		}
		f.Statuses = append(f.Statuses, s)
	}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return model.Filter{}, fmt.Errorf("invalid --from: %w", err)
		}
		f.From = &t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return model.Filter{}, fmt.Errorf("invalid --until: %w", err)
		}
		f.To = &t
	}
	return f, nil
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			m, err := c.gw.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func newEditCmd() *cobra.Command {
	var (
		subject string
		body    string
		date    string
		clock   string
		zone    string
		attach  []string
		remove  []int
		lead    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a pending message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			loc, err := location(zone)
			if err != nil {
				return err
			}
			cur, err := c.gw.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			e := draft.NewEdit(cur)
			e.Date, e.Clock, e.Location, e.Lead = date, clock, loc, lead
			if cmd.Flags().Changed("subject") {
				e.Subject = &subject
			}
			if cmd.Flags().Changed("body") {
				e.Body = &body
			}
			// Highest index first so earlier removals don't shift later ones.
			slices.Sort(remove)
			remove = slices.Compact(remove)
			for i := len(remove) - 1; i >= 0; i-- {
				if err := e.RemoveAttachment(remove[i]); err != nil {
					return err
				}
			}
			for _, path := range attach {
				local, err := attachment.LoadFile(path)
				if err != nil {
					return err
				}
				if err := e.AddFile(local); err != nil {
					return err
				}
			}

			p, err := e.Build(time.Now())
			if err != nil {
				return err
			}
			m, err := c.mut.Patch(cmd.Context(), cur, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&subject, "subject", "", "new subject")
	fs.StringVar(&body, "body", "", "new body")
	fs.StringVar(&date, "date", "", "new date, YYYY-MM-DD")
	fs.StringVar(&clock, "time", "", "new time of day, HH:MM")
	fs.StringVar(&zone, "tz", "", "IANA time zone of --date and --time (default local)")
	fs.StringSliceVar(&attach, "attach", nil, "file to add, repeatable")
	fs.IntSliceVar(&remove, "remove", nil, "index of an attachment to remove, as listed by show")
	fs.DurationVar(&lead, "lead", schedule.DefaultPolicy.Edit, "minimum lead time")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pending message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			cur, err := c.gw.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.mut.Delete(cmd.Context(), cur); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", cur.ID)
			return nil
		},
	}
}

func newSendNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-now <id>",
		Short: "Dispatch a pending message without waiting for its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			cur, err := c.gw.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.mut.SendNow(cmd.Context(), cur); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "send requested for %s\n", cur.ID)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print status changes of the channel as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = c.mut.Follow(ctx, func(ev model.StatusEvent) {
				printEvent(out, ev)
			})
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				return fmt.Errorf("event stream closed by server")
			}
			return err
		},
	}
}

func printEvent(w io.Writer, ev model.StatusEvent) {
	switch {
	case ev.Deleted:
		fmt.Fprintf(w, "%s deleted\n", ev.ID)
	case ev.Reason != "":
		fmt.Fprintf(w, "%s %s: %s\n", ev.ID, ev.Status, ev.Reason)
	case ev.SentAt != nil:
		fmt.Fprintf(w, "%s %s at %s\n", ev.ID, ev.Status, ev.SentAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "%s %s\n", ev.ID, ev.Status)
	}
}

func printWarnings(w io.Writer, ws []recipient.Warning) {
	for _, warn := range ws {
		fmt.Fprintf(w, "warning: contact %s: %s (%s)\n", warn.ContactID, warn.Reason, warn.Address)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, ms []model.ScheduledMessage) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCHEDULED\tRECIPIENTS\tBODY")
	for _, m := range ms {
		names := make([]string, 0, len(m.Recipients))
		for _, r := range m.Recipients {
			if r.DisplayName != "" {
				names = append(names, r.DisplayName)
			} else {
				names = append(names, r.Address)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Status, m.ScheduledAt.Local().Format("2006-01-02 15:04"),
			strings.Join(names, ", "), preview(m.Body, 40))
	}
	return tw.Flush()
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
