package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/client"
	"github.com/MarcoPoloResearchLab/tidesync/internal/config"
	"github.com/MarcoPoloResearchLab/tidesync/internal/database"
	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/logging"
	"github.com/MarcoPoloResearchLab/tidesync/internal/notes"
	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	offline bool

	errStillPending = errors.New("mutations still pending")

	titleStyle  = lipgloss.NewStyle().Bold(true)
	pinnedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "tidesync",
		Short:         "Local-first notes replica",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newPullCommand(),
		newPushCommand(),
		newPendingCommand(),
		newWatchCommand(),
		newNoteCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := viper.New()
	config.ApplyClientDefaults(defaults)
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "Work against the local replica only")
	cmd.PersistentFlags().String("server", defaults.GetString("server.url"), "Sync server URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Replica database path")
	cmd.PersistentFlags().String("user", "", "User id")
	cmd.PersistentFlags().String("token", "", "Session token")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("bulk-threshold", defaults.GetInt("sync.bulk_threshold"), "Row changes above which a delta is applied in bulk")

	bindFlag(cmd, "server.url", "server")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "user", "user")
	bindFlag(cmd, "token", "token")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.bulk_threshold", "bulk-threshold")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return config.ReadConfigFile(viper.GetViper(), cfgFile)
}

type session struct {
	replica *client.Client[notes.Context]
	logger  *zap.Logger
	closeDB func() error
}

func (s *session) Close() error {
	closeErr := s.replica.Close()
	dbErr := s.closeDB()
	_ = s.logger.Sync()
	return errors.Join(closeErr, dbErr)
}

func openSession(ctx context.Context, listen bool) (*session, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	replica, err := func() (*client.Client[notes.Context], error) {
		store, err := localstore.NewGormStore(db)
		if err != nil {
			return nil, err
		}

		transport, err := client.NewHTTPTransport(client.HTTPTransportConfig{
			BaseURL:    clientConfig.SyncURL(),
			UserID:     clientConfig.UserID,
			Token:      client.StaticToken(clientConfig.Token),
			HTTPClient: &http.Client{Timeout: clientConfig.RequestTimeout},
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		var pokes client.PokeStream
		if listen {
			stream, err := client.NewSSEPokeStream(client.SSEPokeStreamConfig{Transport: transport, Logger: logger})
			if err != nil {
				return nil, err
			}
			pokes = stream
		}

		definitions, err := notes.Definitions()
		if err != nil {
			return nil, err
		}
		registry, err := notes.ReplicaRegistry(definitions)
		if err != nil {
			return nil, err
		}
		userID, err := notes.NewUserID(clientConfig.UserID)
		if err != nil {
			return nil, err
		}

		replica, err := client.New(ctx, client.Config[notes.Context]{
			Store:         store,
			Schema:        notes.Schema,
			Registry:      registry,
			Context:       notes.Context{UserID: userID},
			Transport:     transport,
			Pokes:         pokes,
			BulkThreshold: clientConfig.BulkThreshold,
			Offline:       offline,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return replica, nil
	}()
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Debug("replica opened", zap.String("client_id", replica.ID()), zap.String("path", clientConfig.DatabasePath))
	return &session{replica: replica, logger: logger, closeDB: sqlDB.Close}, nil
}

func withSession(cmd *cobra.Command, listen bool, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(cmd.Context(), listen)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), s)
	return errors.Join(runErr, s.Close())
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch and apply the server delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				if err := s.replica.Pull(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pulled, state %s\n", s.replica.State())
				return nil
			})
		},
	}
}

func newPushCommand() *cobra.Command {
	var retryFor time.Duration
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send queued mutations to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				if retryFor <= 0 {
					return s.replica.Push(ctx)
				}
				return pushUntilAcknowledged(ctx, s, retryFor)
			})
		},
	}
	cmd.Flags().DurationVar(&retryFor, "retry", 0, "Keep pushing with backoff until the server acknowledges every mutation, up to this long")
	return cmd
}

func pushUntilAcknowledged(ctx context.Context, s *session, retryFor time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = retryFor
	return backoff.Retry(func() error {
		if err := s.replica.Push(ctx); err != nil {
			return err
		}
		if err := s.replica.Pull(ctx); err != nil {
			return err
		}
		pending, err := s.replica.PendingMutations(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(pending) > 0 {
			s.logger.Info("waiting for acknowledgement", zap.Int("pending", len(pending)))
			return fmt.Errorf("%w: %d", errStillPending, len(pending))
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List mutations not yet acknowledged by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			offline = true
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				pending, err := s.replica.PendingMutations(ctx)
				if err != nil {
					return err
				}
				for _, entry := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", entry.ID, entry.Name, string(entry.Input))
				}
				return nil
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print notes whenever they change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				events, unsubscribe := s.replica.Subscribe()
				defer unsubscribe()
				s.replica.Start(ctx)
				if err := printNotes(ctx, cmd.OutOrStdout(), s.replica); err != nil {
					return err
				}
				for {
					select {
					case <-ctx.Done():
						return nil
					case event, ok := <-events:
						if !ok {
							return nil
						}
						if !event.Queries {
							continue
						}
						if err := printNotes(ctx, cmd.OutOrStdout(), s.replica); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

func newNoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Read and edit notes",
	}
	cmd.AddCommand(
		newNoteListCommand(),
		newNoteAddCommand(),
		newNoteEditCommand(),
		newNotePinCommand(),
		newNoteRemoveCommand(),
		newNoteLabelCommand(notes.MutationLabelNote, "label", "Attach a label to a note"),
		newNoteLabelCommand(notes.MutationUnlabelNote, "unlabel", "Remove a label from a note"),
	)
	return cmd
}

func newNoteListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List notes, pulling first unless offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				if err := s.replica.Pull(ctx); err != nil {
					s.logger.Warn("pull failed, showing local state", zap.Error(err))
				}
				return printNotes(ctx, cmd.OutOrStdout(), s.replica)
			})
		},
	}
}

func newNoteAddCommand() *cobra.Command {
	var title, body string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.NewUUIDProvider().NewID()
			if err != nil {
				return err
			}
			err = mutate(cmd, notes.MutationCreateNote, notes.CreateNoteInput{
				ID:        id,
				Title:     title,
				Body:      body,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&body, "body", "", "Note body")
	return cmd
}

func newNoteEditCommand() *cobra.Command {
	var title, body string
	cmd := &cobra.Command{
		Use:   "edit NOTE_ID",
		Short: "Change a note's title or body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.NewNoteID(args[0])
			if err != nil {
				return err
			}
			input := notes.UpdateNoteInput{ID: id, UpdatedAt: time.Now().UTC()}
			if cmd.Flags().Changed("title") {
				input.Title = &title
			}
			if cmd.Flags().Changed("body") {
				input.Body = &body
			}
			if input.Title == nil && input.Body == nil {
				return errors.New("nothing to change: pass --title or --body")
			}
			return mutate(cmd, notes.MutationUpdateNote, input)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&body, "body", "", "New body")
	return cmd
}

func newNotePinCommand() *cobra.Command {
	var unpin bool
	cmd := &cobra.Command{
		Use:   "pin NOTE_ID",
		Short: "Pin a note to the top of the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.NewNoteID(args[0])
			if err != nil {
				return err
			}
			return mutate(cmd, notes.MutationPinNote, notes.PinNoteInput{ID: id, Pinned: !unpin, UpdatedAt: time.Now().UTC()})
		},
	}
	cmd.Flags().BoolVar(&unpin, "off", false, "Unpin instead")
	return cmd
}

func newNoteRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NOTE_ID",
		Short: "Delete a note and its labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.NewNoteID(args[0])
			if err != nil {
				return err
			}
			return mutate(cmd, notes.MutationDeleteNote, id)
		},
	}
}

func newNoteLabelCommand(mutationName, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NOTE_ID LABEL",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := notes.NewNoteID(args[0])
			if err != nil {
				return err
			}
			return mutate(cmd, mutationName, notes.LabelInput{NoteID: id, Label: strings.TrimSpace(args[1])})
		},
	}
}

func mutate(cmd *cobra.Command, name string, input any) error {
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		mutationID, err := s.replica.Mutate(ctx, name, input)
		if err != nil {
			return err
		}
		s.logger.Debug("mutation queued", zap.String("mutation", name), zap.Int64("mutation_id", mutationID))
		// Close cancels background work, so push before returning.
		return s.replica.Push(ctx)
	})
}

func printNotes(ctx context.Context, out io.Writer, replica notes.Querier) error {
	views, err := notes.ListNotes(ctx, replica)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("no notes"))
		return nil
	}
	for _, view := range views {
		title := view.Title
		if title == "" {
			title = "(untitled)"
		}
		if view.Pinned {
			fmt.Fprintln(out, pinnedStyle.Render("* "+title))
		} else {
			fmt.Fprintln(out, titleStyle.Render(title))
		}
		meta := fmt.Sprintf("%s  %s  %s", view.ID, view.Owner, view.UpdatedAt.Local().Format(time.DateTime))
		fmt.Fprintln(out, mutedStyle.Render(meta))
		if len(view.Labels) > 0 {
			fmt.Fprintln(out, labelStyle.Render("#"+strings.Join(view.Labels, " #")))
		}
		if view.Body != "" {
			fmt.Fprintln(out, view.Body)
		}
		fmt.Fprintln(out)
	}
	return nil
}
