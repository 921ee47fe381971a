package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jpdbq/internal/app"
	"jpdbq/internal/config"
	"jpdbq/internal/jpdb"
	logx "jpdbq/pkg/logx"
)

const shutdownTimeout = 15 * time.Second

// withApp runs fn against a started app and always stops it, so history of
// the jobs fn submitted is flushed before the process exits.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	runErr := fn(ctx, a)

	reason := app.StopCommandDone
	if ctx.Err() != nil {
		reason = app.StopSignal
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
		runErr = err
	}
	return withHint(runErr)
}

// withHint points at the token settings when the API rejects credentials.
func withHint(err error) error {
	if errors.Is(err, jpdb.ErrNoToken) ||
		jpdb.IsAPIError(err, http.StatusUnauthorized) ||
		jpdb.IsAPIError(err, http.StatusForbidden) {
		return fmt.Errorf("%w (check api.token or %s)", err, config.TokenEnv)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pingCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the API token is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				start := time.Now()
				if err := a.Client().Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func parseCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <text>...",
		Short: "Segment text into tokens and vocabulary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				res, err := a.Client().Parse(ctx, text)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func decksCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "decks",
		Short: "List the user's decks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				decks, err := a.Client().ListDecks(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), decks)
			})
		},
	}
}

func deckCmd(cfgPath *string) *cobra.Command {
	deck := &cobra.Command{
		Use:   "deck",
		Short: "Change deck membership",
	}
	change := func(use, short string, remove bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <deck-id> <vid:sid>...",
			Short: short,
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				deckID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("deck id %q: %w", args[0], err)
				}
				refs, err := parseRefs(args[1:])
				if err != nil {
					return err
				}
				return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
					if remove {
						err = a.Client().RemoveFromDeck(ctx, deckID, refs)
					} else {
						err = a.Client().AddToDeck(ctx, deckID, refs)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, deck %d\n", use, len(refs), deckID)
					return nil
				})
			},
		}
	}
	deck.AddCommand(
		change("add", "Add vocabulary to a deck", false),
		change("remove", "Remove vocabulary from a deck", true),
	)
	return deck
}

func parseRefs(args []string) ([]jpdb.VocabRef, error) {
	out := make([]jpdb.VocabRef, 0, len(args))
	for _, s := range args {
		ref, err := jpdb.ParseVocabRef(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func parseIDs(vid, sid string) (jpdb.VocabRef, error) {
	return jpdb.ParseVocabRef(vid + ":" + sid)
}

func sentenceCmd(cfgPath *string) *cobra.Command {
	var upd jpdb.SentenceUpdate
	cmd := &cobra.Command{
		Use:   "sentence <vid> <sid> [text]",
		Short: "Set or clear the custom sentence on a card",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIDs(args[0], args[1])
			if err != nil {
				return err
			}
			upd.VocabRef = ref
			if len(args) == 3 {
				upd.Sentence = args[2]
			}
			if upd.Sentence == "" && upd.Translation == "" && !upd.ClearAudio && !upd.ClearImage {
				return errors.New("nothing to change: give a sentence, --translation or a --clear flag")
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				return a.Client().SetSentence(ctx, upd)
			})
		},
	}
	cmd.Flags().StringVar(&upd.Translation, "translation", "", "sentence translation")
	cmd.Flags().BoolVar(&upd.ClearAudio, "clear-audio", false, "remove the card's custom audio")
	cmd.Flags().BoolVar(&upd.ClearImage, "clear-image", false, "remove the card's custom image")
	return cmd
}

func reviewCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "review <vid> <sid> <grade>",
		Short: "Submit a review grade",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseIDs(args[0], args[1])
			if err != nil {
				return err
			}
			grade, err := jpdb.ParseGrade(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				return a.Client().Review(ctx, ref, grade)
			})
		},
	}
}

func historyCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				recs, err := a.History().Recent(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func daemonCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run configured schedules and hot-reload config until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.StartDaemon(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				logx.NewConsole("INFO").Warn("stop failed", logx.Err(err))
			}
			return a.Err()
		},
	}
}
