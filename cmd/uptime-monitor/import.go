package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/config"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/models"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/storage"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/urlutil"
	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/pkg/logger"
)

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "Manage monitors",
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Create monitors from a YAML file",
	Long: `Create monitors from a YAML file. Entries whose id already exists are
left untouched, so the same file can be imported repeatedly.

Example file:
  monitors:
    - user_id: ops
      name: Example
      url: https://example.com/health
      frequency: 60`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringP("file", "f", "", "path to the monitors file (required)")
	_ = importCmd.MarkFlagRequired("file")

	monitorsCmd.AddCommand(importCmd)
	rootCmd.AddCommand(monitorsCmd)
}

type monitorSpec struct {
	ID        string `yaml:"id"`
	UserID    string `yaml:"user_id"`
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Frequency int    `yaml:"frequency"`
	Active    *bool  `yaml:"active"`
}

type monitorsFile struct {
	Monitors []monitorSpec `yaml:"monitors"`
}

func (s monitorSpec) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.UserID, validation.Required),
		validation.Field(&s.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.URL, validation.Required, is.URL),
		validation.Field(&s.Frequency,
			validation.Required,
			validation.Min(models.MinFrequency),
			validation.Max(models.MaxFrequency),
		),
	)
}

type importSummary struct {
	Created  int
	Existing int
}

// importMonitors decodes r and creates every monitor in it. The whole file
// is validated before anything is written.
func importMonitors(ctx context.Context, store storage.Storer, r io.Reader, log *slog.Logger) (importSummary, error) {
	var summary importSummary

	var file monitorsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return summary, fmt.Errorf("failed to parse monitors file: %w", err)
	}

	monitors := make([]models.Monitor, 0, len(file.Monitors))
	for i, spec := range file.Monitors {
		if err := spec.Validate(); err != nil {
			return summary, fmt.Errorf("monitor %d (%s): %w", i, spec.Name, err)
		}
		canonical, err := urlutil.Canonicalize(spec.URL)
		if err != nil {
			return summary, fmt.Errorf("monitor %d (%s): %w", i, spec.Name, err)
		}
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}
		monitors = append(monitors, models.Monitor{
			ID:        spec.ID,
			UserID:    spec.UserID,
			Name:      spec.Name,
			URL:       canonical,
			Frequency: spec.Frequency,
			IsActive:  active,
		})
	}

	for _, m := range monitors {
		created, err := store.CreateMonitor(ctx, &m)
		if errors.Is(err, storage.ErrDuplicateKey) {
			summary.Existing++
			log.Info("monitor already exists", slog.String("monitor_id", created.ID))
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("failed to create monitor %q: %w", m.Name, err)
		}
		summary.Created++
		log.Info("monitor created",
			slog.String("monitor_id", created.ID),
			slog.String("url", created.URL),
			slog.Int("frequency", created.Frequency),
		)
	}
	return summary, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	path, _ := cmd.Flags().GetString("file")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open monitors file: %w", err)
	}
	defer f.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, _, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := importMonitors(ctx, store, f, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d monitors (%d already present)\n", summary.Created, summary.Existing)
	return nil
}
