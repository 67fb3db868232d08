package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yuhaousa/voice2learn/pkg/tutor/config"
	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/store"
	"github.com/yuhaousa/voice2learn/pkg/tutor/tools"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
)

type cli struct {
	deps   cliDeps
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) logger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "voice2learn",
		Short:         "Live voice tutoring sessions with a shared whiteboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(c), newMigrateCmd(c), newTranscriptCmd(c), newToolsCmd(c))
	return root
}

type runFlags struct {
	level      string
	topic      string
	backend    string
	statusAddr string
	record     string
	boardID    string
}

// apply overrides cfg with the flags that were set and re-validates.
func (f runFlags) apply(cfg config.Config) (config.Config, error) {
	if f.level != "" {
		cfg.Session.Level = live.GradeLevel(strings.ToLower(f.level))
	}
	if f.topic != "" {
		cfg.Session.Topic = live.Subject(strings.ToLower(f.topic))
	}
	if f.backend != "" {
		cfg.Backend = config.Backend(strings.ToLower(f.backend))
	}
	if f.statusAddr != "" {
		cfg.StatusAddr = f.statusAddr
	}
	if f.record != "" {
		cfg.RecordPath = f.record
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRunCmd(c *cli) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a tutoring session on the local microphone and speaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.deps.loadConfig == nil {
				return fmt.Errorf("missing loadConfig dependency")
			}
			cfg, err := c.deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg, err = flags.apply(cfg)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runSession(cmd.Context(), c, cfg, flags.boardID)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.level, "level", "", "grade level: elementary|middle|high|university")
	fs.StringVar(&flags.topic, "topic", "", "subject: math|science|language|history|geography|art")
	fs.StringVar(&flags.backend, "backend", "", "backend: gemini|gateway")
	fs.StringVar(&flags.statusAddr, "status-addr", "", "status API listen address")
	fs.StringVar(&flags.record, "record", "", "write the tutor's speech to this WAV file")
	fs.StringVar(&flags.boardID, "board", "", "whiteboard id to restore and persist (defaults to the session id)")
	return cmd
}

func databaseURLFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
}

func newMigrateCmd(c *cli) *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				return fmt.Errorf("DATABASE_URL must be set")
			}
			logger := c.logger(slog.LevelInfo)
			db, err := store.New(cmd.Context(), databaseURL, store.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Migrate(cmd.Context())
		},
	}
	databaseURLFlag(cmd, &databaseURL)
	return cmd
}

func newTranscriptCmd(c *cli) *cobra.Command {
	var (
		databaseURL string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print the stored transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("DATABASE_URL must be set")
			}
			db, err := store.New(cmd.Context(), databaseURL, store.Options{Logger: c.logger(slog.LevelWarn)})
			if err != nil {
				return err
			}
			defer db.Close()
			turns, err := db.ListTurns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				return fmt.Errorf("no transcript for session %q", args[0])
			}
			return writeTranscript(c.stdout, turns, asJSON)
		},
	}
	databaseURLFlag(cmd, &databaseURL)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print turns as JSON")
	return cmd
}

func writeTranscript(w io.Writer, turns []transcript.Turn, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}
	for _, t := range turns {
		if _, err := fmt.Fprintf(w, "%4d  %-5s  %s\n", t.ID, t.Speaker, t.Text); err != nil {
			return err
		}
	}
	return nil
}

func newToolsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool declarations sent to the model",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tools.Declarations())
		},
	}
}
