package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/client"
	"github.com/JakeFAU/page-annotator/internal/clock/system"
	"github.com/JakeFAU/page-annotator/internal/identity"
	"github.com/JakeFAU/page-annotator/internal/resume"
	"github.com/JakeFAU/page-annotator/internal/session"
)

const reviewHelp = `commands:
  next | prev | go <n>     move between rows (n is 1-based)
  resume                   jump to where the reviewer should continue
  show                     print the active row, frame state and values
  set <field> <value>      edit a field; lists use the field separator
  who <name>               set the reviewer name
  loaded | failed          report what the frame did
  proxy on|off             switch between the live page and the proxied copy
  save                     save the active row now
  quit                     save and exit
`

// drainPoll is how often quit checks for saves still in flight.
const drainPoll = 50 * time.Millisecond

// reviewOptions configures a terminal review session.
type reviewOptions struct {
	Server       string
	APIKey       string
	UserAgent    string
	Timeout      time.Duration
	Reviewer     string
	IdentityPath string
	HTTPClient   *http.Client
}

func newReviewCmd() *cobra.Command {
	var opts reviewOptions
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Annotate rows from the terminal against a running API",
		Long: `Starts an interactive review session against a running annotator API. The
session runs the same frame watchdog, proxy fallback and debounced autosave
as the browser client; the terminal stands in for the frame, so report load
results with 'loaded' or 'failed' or let the watchdog decide.`,
		Annotations: map[string]string{annotationNeeds: needsConfig},
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Server == "" {
				host := e.cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "localhost"
				}
				opts.Server = "http://" + net.JoinHostPort(host, strconv.Itoa(e.cfg.Server.Port))
			}
			opts.APIKey = e.cfg.Auth.APIKey
			opts.UserAgent = e.cfg.HTTP.UserAgent
			opts.Timeout = e.cfg.RequestTimeout()
			return runReview(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), e.logger)
		},
	}
	cmd.Flags().StringVar(&opts.Server, "server", "", "base URL of the annotator API (default from server config)")
	cmd.Flags().StringVar(&opts.Reviewer, "as", "", "reviewer name (default is the remembered identity)")
	cmd.Flags().StringVar(&opts.IdentityPath, "identity-file", "", "where the reviewer name is remembered")
	return cmd
}

func runReview(ctx context.Context, opts reviewOptions, in io.Reader, out io.Writer, logger *zap.Logger) error {
	c, err := client.New(client.Options{
		BaseURL:   opts.Server,
		APIKey:    opts.APIKey,
		UserAgent: opts.UserAgent,
		Timeout:   opts.Timeout,
	}, opts.HTTPClient, logger)
	if err != nil {
		return err
	}
	state, err := c.State(ctx)
	if err != nil {
		return err
	}
	if len(state.Rows) == 0 {
		return errors.New("dataset has no rows")
	}

	ids := identity.New(opts.IdentityPath)
	reviewer := strings.TrimSpace(opts.Reviewer)
	if reviewer == "" {
		if reviewer, err = ids.Load(); err != nil {
			logger.Warn("could not read remembered reviewer", zap.Error(err))
		}
	}

	view := state.Config
	repl := &reviewREPL{out: out, rows: state.Rows, schema: state.Schema()}
	sess := session.New(c, repl, system.New(), logger, session.Options{
		Rows:             state.Rows,
		Records:          state.Records,
		Schema:           repl.schema,
		Reviewer:         reviewer,
		Identities:       ids,
		FrameTimeout:     time.Duration(view.Viewer.FrameTimeoutMs) * time.Millisecond,
		PreferProxy:      view.Viewer.PreferProxy,
		AutoProxyOnBlock: view.Viewer.AutoProxyOnBlock,
		AutosaveEnabled:  view.Autosave.Enabled,
		AutosaveInterval: time.Duration(view.Autosave.IntervalSeconds) * time.Second,
	})
	repl.sess = sess
	sess.Start()
	defer sess.Close()

	if opts.Reviewer != "" {
		if err := sess.SetReviewer(ctx, reviewer); err != nil {
			return err
		}
	}
	if reviewer == "" {
		repl.printf("no reviewer set; use 'who <name>' before saving\n")
	}
	return repl.run(ctx, in, resume.Index(reviewer, state.Rows, state.Records))
}

// reviewREPL is the terminal host of a session: it renders updates and turns
// input lines into session calls.
type reviewREPL struct {
	sess   *session.Session
	rows   []annotator.Row
	schema annotator.Schema
	index  int

	mu  sync.Mutex
	out io.Writer
}

// OnUpdate runs on the session loop and only prints.
func (r *reviewREPL) OnUpdate(u session.Update) {
	switch u.Kind {
	case session.UpdateRender:
		r.printf("[frame] %s (epoch %d)\n", u.Snapshot.Source, u.Snapshot.Epoch)
	case session.UpdateNotice:
		if u.Notice != nil {
			r.printf("[%s] %s\n", u.Notice.Level, u.Notice.Message)
		}
	case session.UpdateSaved:
		if u.Saved != nil {
			r.printf("[saved] row %s by %s\n", u.Saved.Record.RowID, u.Saved.Record.Annotator)
		}
	case session.UpdateState:
	}
}

func (r *reviewREPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *reviewREPL) run(ctx context.Context, in io.Reader, start int) error {
	if err := r.activate(ctx, start); err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := r.exec(ctx, scanner.Text())
		if err != nil {
			r.printf("error: %v\n", err)
		}
		if quit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if err := r.sess.Save(ctx); err != nil && !errors.Is(err, session.ErrNoIdentity) {
		return fmt.Errorf("final save: %w", err)
	}
	return r.drain(ctx)
}

// drain waits until no save is in flight or queued for any row, including
// rows flushed by navigation.
func (r *reviewREPL) drain(ctx context.Context) error {
	for {
		snap, err := r.sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		if !snap.Saving && snap.PendingSaves == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

func (r *reviewREPL) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(verb) {
	case "":
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	case "h", "help", "?":
		r.printf("%s", reviewHelp)
	case "n", "next":
		return false, r.activate(ctx, r.index+1)
	case "p", "prev":
		return false, r.activate(ctx, r.index-1)
	case "g", "go":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return false, fmt.Errorf("go needs a row number")
		}
		return false, r.activate(ctx, n-1)
	case "resume":
		snap, err := r.sess.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		return false, r.activate(ctx, snap.ResumeIndex)
	case "show":
		return false, r.show(ctx)
	case "set":
		return false, r.set(ctx, rest)
	case "who":
		if rest == "" {
			return false, fmt.Errorf("who needs a name")
		}
		return false, r.sess.SetReviewer(ctx, rest)
	case "loaded", "failed":
		snap, err := r.sess.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		if verb == "loaded" {
			return false, r.sess.FrameLoaded(ctx, snap.RowID, snap.Epoch)
		}
		return false, r.sess.FrameFailed(ctx, snap.RowID, snap.Epoch)
	case "proxy":
		switch strings.ToLower(rest) {
		case "on":
			return false, r.sess.ToggleProxy(ctx, true)
		case "off":
			return false, r.sess.ToggleProxy(ctx, false)
		default:
			return false, fmt.Errorf("proxy takes on or off")
		}
	case "save":
		if err := r.sess.Save(ctx); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q (try help)", verb)
	}
	return false, nil
}

func (r *reviewREPL) activate(ctx context.Context, index int) error {
	if index < 0 || index >= len(r.rows) {
		return fmt.Errorf("row %d is out of range 1-%d", index+1, len(r.rows))
	}
	row := r.rows[index]
	if err := r.sess.Activate(ctx, row); err != nil {
		return err
	}
	r.index = index
	r.printf("row %d/%d  id=%s  %s\n", index+1, len(r.rows), row.ID, row.URL)
	return nil
}

func (r *reviewREPL) set(ctx context.Context, rest string) error {
	name, raw, _ := strings.Cut(rest, " ")
	field, ok := r.field(name)
	if !ok {
		return fmt.Errorf("unknown field %q", name)
	}
	snap, err := r.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	value := field.Decode(strings.TrimSpace(raw), r.schema.DefaultSeparator)
	return r.sess.Edit(ctx, snap.RowID, field.Name, value)
}

func (r *reviewREPL) field(name string) (annotator.Field, bool) {
	for _, f := range r.schema.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return annotator.Field{}, false
}

func (r *reviewREPL) show(ctx context.Context) error {
	snap, err := r.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	row := r.rows[r.index]
	var b strings.Builder
	fmt.Fprintf(&b, "row %s  %s\n", row.ID, row.URL)
	cols := make([]string, 0, len(row.Data))
	for k := range row.Data {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	for _, k := range cols {
		fmt.Fprintf(&b, "  %s: %s\n", k, row.Data[k])
	}
	fmt.Fprintf(&b, "frame: %s  probe: %s  proxy: %s  source: %s\n", snap.Frame, snap.Probe, proxyMode(snap), snap.Source)
	if snap.Blocked {
		fmt.Fprintf(&b, "blocked: %s\n", snap.Reason)
	}
	reviewer := snap.Reviewer
	if reviewer == "" {
		reviewer = "(none)"
	}
	fmt.Fprintf(&b, "reviewer: %s  unsaved: %t  saving: %t\n", reviewer, snap.Dirty, snap.Saving)
	for _, f := range r.schema.Fields {
		fmt.Fprintf(&b, "  %s = %s\n", f.Name, f.Encode(snap.Values[f.Name], r.schema.DefaultSeparator))
	}
	r.printf("%s", b.String())
	return nil
}

// proxyMode tells a fallback the session chose apart from one the reviewer
// asked for.
func proxyMode(snap session.Snapshot) string {
	switch {
	case !snap.UseProxy:
		return "off"
	case snap.AutoTriggered:
		return "auto"
	default:
		return "manual"
	}
}
