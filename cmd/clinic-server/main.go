package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic appointment booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration for every command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, *time.Location, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, loc.String())
	if err != nil {
		return nil, nil, err
	}
	return pool, loc, nil
}

// billingPublisher forwards booking events to the billing stream.
type billingPublisher struct {
	pub *events.Publisher
}

const eventAppointmentBooked = "appointment.booked"

func (b billingPublisher) EmitBooking(ctx context.Context, ev scheduling.BillingEvent) error {
	_, err := b.pub.Publish(ctx, eventAppointmentBooked, ev.AppointmentID.String(), ev)
	return err
}

type serviceOptions struct {
	billing scheduling.BillingEmitter
	metrics scheduling.Recorder
}

func newBookingService(cfg *config.Config, pool *pgxpool.Pool, loc *time.Location, logger zerolog.Logger, opts serviceOptions) *scheduling.BookingService {
	return scheduling.NewBookingService(scheduling.Deps{
		Tx:           db.NewTxManager(pool, cfg.TxMaxRetries),
		Doctors:      scheduling.NewDoctorRepoPG(pool),
		Members:      scheduling.NewMemberRepoPG(pool),
		Slots:        scheduling.NewSlotRepoPG(pool),
		Appointments: scheduling.NewAppointmentRepoPG(pool),
		Clock:        scheduling.SystemClock{Location: loc},
		Location:     loc,
		HorizonDays:  cfg.SlotHorizonDays,
		Billing:      opts.billing,
		Metrics:      opts.metrics,
		Logger:       logger,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, loc, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("timezone", loc.String()).Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		defer rdb.Close()
	} else {
		logger.Warn().Msg("REDIS_URL not set, billing events are logged only")
	}
	publisher := events.NewPublisher(rdb, cfg.BillingStream, logger)
	if err := publisher.Ping(ctx); err != nil {
		// Billing is best effort; bookings proceed without it.
		logger.Warn().Err(err).Msg("redis unreachable, billing events will fail until it recovers")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewBookingMetrics(reg)

	svc := newBookingService(cfg, pool, loc, logger, serviceOptions{
		billing: billingPublisher{pub: publisher},
		metrics: metrics,
	})

	e := newServer(serverDeps{
		cfg:       cfg,
		logger:    logger,
		svc:       svc,
		db:        pool,
		poolStats: func() *db.PoolStats { return db.GetPoolStats(pool) },
		gatherer:  reg,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, _, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, _, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// withService runs fn against a booking service backed by the configured
// database. Admin commands act as the system caller.
func withService(fn func(ctx context.Context, svc *scheduling.BookingService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	pool, loc, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, newBookingService(cfg, pool, loc, logger, serviceOptions{}))
}

func doctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Manage doctors",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Onboard a doctor and generate their slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			nd, horizon, err := newDoctorFromFlags(cmd)
			if err != nil {
				return err
			}
			return withService(func(ctx context.Context, svc *scheduling.BookingService) error {
				doc, n, err := svc.OnboardDoctor(ctx, auth.System(), nd, horizon)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created doctor %s with %d slot(s).\n", doc.ID, n)
				return nil
			})
		},
	}
	addCmd.Flags().String("name", "", "Doctor's display name")
	addCmd.Flags().String("specialty", "", "Specialty")
	addCmd.Flags().String("email", "", "Contact email")
	addCmd.Flags().String("phone", "", "Contact phone")
	addCmd.Flags().Int64("fee-cents", 0, "Consultation fee in cents")
	addCmd.Flags().Int("horizon-days", 0, "Days of slots to generate (default SLOT_HORIZON_DAYS)")
	cmd.AddCommand(addCmd)

	return cmd
}

func newDoctorFromFlags(cmd *cobra.Command) (scheduling.NewDoctor, int, error) {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		return scheduling.NewDoctor{}, 0, fmt.Errorf("--name is required")
	}
	specialty, _ := cmd.Flags().GetString("specialty")
	fee, _ := cmd.Flags().GetInt64("fee-cents")
	horizon, _ := cmd.Flags().GetInt("horizon-days")

	nd := scheduling.NewDoctor{Name: name, Specialty: specialty, ConsultationFeeCents: fee}
	if email, _ := cmd.Flags().GetString("email"); email != "" {
		nd.Email = &email
	}
	if phone, _ := cmd.Flags().GetString("phone"); phone != "" {
		nd.Phone = &phone
	}
	return nd, horizon, nil
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage doctor slots",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate missing slots for a doctor",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, err := doctorFlag(cmd)
			if err != nil {
				return err
			}
			horizon, _ := cmd.Flags().GetInt("horizon-days")
			return withService(func(ctx context.Context, svc *scheduling.BookingService) error {
				n, err := svc.GenerateSlots(ctx, auth.System(), doctorID, horizon)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d slot(s).\n", n)
				return nil
			})
		},
	}
	generateCmd.Flags().String("doctor", "", "Doctor ID")
	generateCmd.Flags().Int("horizon-days", 0, "Days of slots to generate (default SLOT_HORIZON_DAYS)")
	cmd.AddCommand(generateCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete never-booked slots before a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, err := doctorFlag(cmd)
			if err != nil {
				return err
			}
			beforeRaw, _ := cmd.Flags().GetString("before")
			return withService(func(ctx context.Context, svc *scheduling.BookingService) error {
				before, err := parseBefore(beforeRaw, svc.Location())
				if err != nil {
					return err
				}
				n, err := svc.PurgeUnbookedSlots(ctx, auth.System(), doctorID, before)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d slot(s).\n", n)
				return nil
			})
		},
	}
	purgeCmd.Flags().String("doctor", "", "Doctor ID")
	purgeCmd.Flags().String("before", "", "Purge slots before this date, YYYY-MM-DD (default now)")
	cmd.AddCommand(purgeCmd)

	return cmd
}

func doctorFlag(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("doctor")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--doctor is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --doctor %q: %w", raw, err)
	}
	return id, nil
}

// parseBefore reads a facility-local date. Empty means now.
func parseBefore(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before %q, expected YYYY-MM-DD", raw)
	}
	return t, nil
}
