package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/cyruslayo/buildr/internal/client"
	"github.com/cyruslayo/buildr/internal/config"
	"github.com/cyruslayo/buildr/internal/draft"
	"github.com/cyruslayo/buildr/internal/engine"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/cyruslayo/buildr/internal/storage"
	"github.com/cyruslayo/buildr/internal/upload"
	"github.com/cyruslayo/buildr/internal/wizard"
	"github.com/spf13/cobra"
)

// wizardPath is where the web wizard lives on the server.
const wizardPath = "/listings/new"

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect and edit the local property draft",
		Long: `Work with the property draft stored in BUILDR_DRAFT_DIR.

Edits are saved locally first and then pushed to the server when
BUILDR_USERNAME and BUILDR_PASSWORD are set.`,
	}

	cmd.AddCommand(
		newDraftShowCmd(),
		newDraftSetCmd(),
		newDraftResetCmd(),
		newDraftSyncCmd(),
		newDraftAttachCmd(),
		newDraftStepCmd(),
		newDraftWatchCmd(),
	)

	return cmd
}

// session is one open engine over the local draft.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *engine.Engine
	// canSync is false when no credentials are configured.
	canSync bool
}

func openSession() (*session, error) {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return nil, err
	}

	backend, err := storage.NewFileBackend(cfg.DraftDir, cfg.StorageQuota, logger)
	if err != nil {
		return nil, err
	}

	api := client.NewClient(cfg.ServerURL, cfg.Username, cfg.Password, nil)

	e := engine.New(backend, api, engine.Options{
		Defaults:     wizard.Default().Defaults(),
		Debounce:     cfg.Debounce,
		Timeout:      cfg.SyncTimeout,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, logger)

	return &session{
		cfg:     cfg,
		logger:  logger,
		engine:  e,
		canSync: cfg.ValidateClient() == nil,
	}, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("closing draft storage", slog.String("error", err.Error()))
	}
}

// push flushes pending edits to the server and reports the outcome.
func (s *session) push(ctx context.Context, w io.Writer) error {
	if !s.canSync {
		fmt.Fprintln(w, "saved locally; set BUILDR_USERNAME and BUILDR_PASSWORD to sync")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout+s.cfg.Debounce)
	defer cancel()

	if err := s.engine.Flush(ctx); err != nil {
		return fmt.Errorf("waiting for sync: %w", err)
	}

	d := s.engine.Draft()
	fmt.Fprintf(w, "status: %s\n", d.Status)

	if d.Status == models.StatusError {
		fmt.Fprintln(w, "the edit is kept locally and will be retried on the next sync")
	}

	return nil
}

func newDraftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the local draft as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			return writeDraft(cmd.OutOrStdout(), s.engine.Draft())
		},
	}
}

func newDraftSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set field=value [field=value...]",
		Short: "Merge fields into the draft",
		Long: `Merge fields into the draft. Values are parsed as JSON when they can be
(numbers, booleans, arrays) and taken as plain text otherwise.

  buildr draft set title="3 Bedroom Flat" price=25000000 amenities='["pool","gym"]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseAssignments(args)
			if err != nil {
				return err
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			known := wizard.Default().FieldNames()
			for key := range partial {
				if !slices.Contains(known, key) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not a wizard field and will not be stored by the server\n", key)
				}
			}

			s.engine.Update(partial)

			return s.push(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newDraftResetCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the local draft and start over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if purge {
				s.engine.Purge()
				fmt.Fprintln(cmd.OutOrStdout(), "draft reset, saved copy removed")

				return nil
			}

			s.engine.Reset()
			fmt.Fprintln(cmd.OutOrStdout(), "draft reset")

			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "remove the saved draft file instead of saving the defaults")

	return cmd
}

func newDraftSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the local draft now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.cfg.ValidateClient(); err != nil {
				return err
			}

			s.engine.SyncNow()

			return s.push(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newDraftAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach image [image...]",
		Short: "Upload images and add them to the draft",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.cfg.ValidateUploads(); err != nil {
				return err
			}

			uploader, err := upload.NewOSSUploader(upload.OSSConfig{
				Endpoint:        s.cfg.OSSEndpoint,
				AccessKeyID:     s.cfg.OSSAccessKeyID,
				AccessKeySecret: s.cfg.OSSAccessKeySecret,
				Bucket:          s.cfg.OSSBucket,
				PublicBaseURL:   s.cfg.OSSPublicBaseURL,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tracker := upload.NewTracker(s.engine.Store(), uploader, s.cfg.OSSPrefix, s.logger)
			cancel := tracker.Subscribe(func(a models.UploadingAsset) {
				fmt.Fprintf(out, "%s %s %d%%\n", filepath.Base(a.Preview), a.Status, a.Progress)
			})
			defer cancel()

			var failed int

			for _, p := range args {
				if _, err := tracker.Attach(cmd.Context(), p); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p, err)
					failed++
				}
			}

			if err := s.push(cmd.Context(), out); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d images failed to upload", failed, len(args))
			}

			return nil
		},
	}
}

func newDraftStepCmd() *cobra.Command {
	var next, prev bool

	cmd := &cobra.Command{
		Use:   "step [step-id]",
		Short: "Show a wizard step and the draft values it collects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			var token string
			if len(args) == 1 {
				token = args[0]
			}

			seq := wizard.Default()

			switch {
			case next:
				token = seq.Next(token).ID
			case prev:
				token = seq.Previous(token).ID
			}

			base, err := url.Parse(s.cfg.ServerURL + wizardPath)
			if err != nil {
				return fmt.Errorf("parsing BUILDR_SERVER_URL: %w", err)
			}

			return renderStep(cmd.OutOrStdout(), seq, token, s.engine.Draft().Fields, base)
		},
	}

	cmd.Flags().BoolVar(&next, "next", false, "show the step after step-id")
	cmd.Flags().BoolVar(&prev, "prev", false, "show the step before step-id")
	cmd.MarkFlagsMutuallyExclusive("next", "prev")

	return cmd
}

func newDraftWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and report sync status until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.cfg.ValidateClient(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			cancel := s.engine.Store().Subscribe(func(d models.Draft, cause draft.Cause) {
				if cause == draft.CauseSync || cause == draft.CauseHydrate {
					fmt.Fprintf(out, "%s draft=%s status=%s\n", cause, d.DraftID, d.Status)
				}
			})
			defer cancel()

			// Retry anything left over from an offline edit.
			if s.engine.Draft().Status != models.StatusSynced {
				s.engine.SyncNow()
			}

			return s.engine.Run(ctx)
		},
	}
}

type draftView struct {
	DraftID      string        `json:"draftId,omitempty"`
	Status       string        `json:"status"`
	LastSyncedAt string        `json:"lastSyncedAt"`
	StorageError string        `json:"storageError,omitempty"`
	Fields       models.Fields `json:"fields"`
}

func writeDraft(w io.Writer, d models.Draft) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(draftView{
		DraftID:      d.DraftID,
		Status:       string(d.Status),
		LastSyncedAt: models.FormatTime(d.LastSyncedAt),
		StorageError: d.StorageError,
		Fields:       d.Fields,
	})
}

// parseAssignments turns field=value arguments into a partial update.
func parseAssignments(args []string) (models.Fields, error) {
	out := make(models.Fields, len(args))

	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)

		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}

		out[key] = parseValue(raw)
	}

	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}

	return v
}

func renderStep(w io.Writer, seq *wizard.Sequencer, token string, fields models.Fields, base *url.URL) error {
	step := seq.Resolve(token)
	pos, total := seq.Position(step.ID)

	fmt.Fprintf(w, "Step %d of %d: %s (%s)\n", pos, total, step.Title, step.ID)

	for _, f := range step.Fields {
		v, ok := fields[f]
		if !ok {
			fmt.Fprintf(w, "  %-14s -\n", f)
			continue
		}

		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", f, err)
		}

		fmt.Fprintf(w, "  %-14s %s\n", f, b)
	}

	fmt.Fprintln(w, seq.Location(base, step))

	return nil
}
