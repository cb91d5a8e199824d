package vcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/flipsession/vsession/internal/vunix"
	"github.com/flipsession/vsession/vhttp"
	"github.com/flipsession/vsession/vstate"
	"github.com/flipsession/vsession/vstore"
	"github.com/spf13/cobra"
)

const flagJSON = "json"

func newControlCmds() []*cobra.Command {
	state := &cobra.Command{
		Use:   "state",
		Short: "Print the current session state",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, _ []string) error {
			st, err := c.State(ctx)
			if err != nil {
				return err
			}
			return printState(cmd, st)
		}),
	}
	state.Flags().Bool(flagJSON, false, "print the full state as JSON")

	epoch := &cobra.Command{
		Use:   "epoch",
		Short: "Print the last epoch observed from the node",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, _ []string) error {
			snap, err := c.Epoch(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		}),
	}

	next := sessionCmd("next KIND", "Move to the next flip", cobra.ExactArgs(1),
		func(ctx context.Context, c *vhttp.Client, k vstate.Kind, _ []string) (vstate.State, error) {
			return c.Next(ctx, k)
		})
	prev := sessionCmd("prev KIND", "Move to the previous flip", cobra.ExactArgs(1),
		func(ctx context.Context, c *vhttp.Client, k vstate.Kind, _ []string) (vstate.State, error) {
			return c.Prev(ctx, k)
		})
	pick := sessionCmd("pick KIND INDEX", "Move to the flip at INDEX", cobra.ExactArgs(2),
		func(ctx context.Context, c *vhttp.Client, k vstate.Kind, args []string) (vstate.State, error) {
			idx, err := strconv.Atoi(args[0])
			if err != nil || idx < 0 {
				return vstate.State{}, fmt.Errorf("invalid index %q", args[0])
			}
			return c.Pick(ctx, k, idx)
		})
	answer := sessionCmd("answer KIND ANSWER", "Answer the current flip (left, right, inappropriate, none)", cobra.ExactArgs(2),
		func(ctx context.Context, c *vhttp.Client, k vstate.Kind, args []string) (vstate.State, error) {
			a, err := vstate.ParseAnswer(args[0])
			if err != nil {
				return vstate.State{}, err
			}
			return c.Answer(ctx, k, a)
		})

	submit := &cobra.Command{
		Use:   "submit KIND",
		Short: "Submit the answers of a session",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, args []string) error {
			k, err := vstate.ParseKind(args[0])
			if err != nil {
				return err
			}
			res, err := c.Submit(ctx, k)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	}

	toggle := &cobra.Command{
		Use:   "toggle-words",
		Short: "Toggle the irrelevant-words mark on the current long session flip",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, _ []string) error {
			st, err := c.ToggleIrrelevantWords(ctx)
			if err != nil {
				return err
			}
			return printState(cmd, st)
		}),
	}
	toggle.Flags().Bool(flagJSON, false, "print the full state as JSON")

	var language string
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Print or change the client settings",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, _ []string) error {
			var (
				set vstore.Settings
				err error
			)
			if cmd.Flags().Changed("language") {
				set, err = c.PutSettings(ctx, vstore.Settings{Language: language})
			} else {
				set, err = c.Settings(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), set)
		}),
	}
	settings.Flags().StringVar(&language, "language", "", "set the flip words language (for example en or ru)")

	return []*cobra.Command{state, epoch, next, prev, pick, answer, submit, toggle, settings}
}

type clientFunc func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, args []string) error

// withClient resolves the control API address from the configuration
// and calls fn with a client for it.
func withClient(fn clientFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Control.Listen == "" {
			return errors.New("control API is disabled in the configuration")
		}

		c, err := vhttp.NewClient(vunix.ClientAddress(cfg.Control.Listen), cfg.Node.Timeout.Std())
		if err != nil {
			return err
		}
		return fn(cmd.Context(), cmd, c, args)
	}
}

func sessionCmd(
	use, short string,
	args cobra.PositionalArgs,
	fn func(ctx context.Context, c *vhttp.Client, k vstate.Kind, rest []string) (vstate.State, error),
) *cobra.Command {
	cmd := &cobra.Command{
		Use:       use,
		Short:     short,
		Args:      args,
		ValidArgs: []string{vstate.KindShort.String(), vstate.KindLong.String()},
		RunE: withClient(func(ctx context.Context, cmd *cobra.Command, c *vhttp.Client, args []string) error {
			k, err := vstate.ParseKind(args[0])
			if err != nil {
				return err
			}
			st, err := fn(ctx, c, k, args[1:])
			if err != nil {
				return err
			}
			return printState(cmd, st)
		}),
	}
	cmd.Flags().Bool(flagJSON, false, "print the full state as JSON")
	return cmd
}

func printState(cmd *cobra.Command, st vstate.State) error {
	full, err := cmd.Flags().GetBool(flagJSON)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if full {
		return printJSON(w, st)
	}

	if _, err := fmt.Fprintf(w, "epoch %d\n", st.Epoch); err != nil {
		return err
	}
	for _, k := range []vstate.Kind{vstate.KindShort, vstate.KindLong} {
		if err := printSession(w, k, st.Session(k)); err != nil {
			return err
		}
	}
	if st.Error != "" {
		if _, err := fmt.Fprintf(w, "last fetch error: %s\n", st.Error); err != nil {
			return err
		}
	}
	return nil
}

func printSession(w io.Writer, k vstate.Kind, s vstate.Session) error {
	answered := 0
	for _, c := range s.Answers {
		if c.Has() {
			answered++
		}
	}
	_, err := fmt.Fprintf(
		w, "%-5s flip %d/%d ready=%d answered=%d can_submit=%t submitted=%t\n",
		k, s.CurrentIndex+1, s.Total, s.TotalReady, answered, s.CanSubmit, s.Submitted,
	)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
