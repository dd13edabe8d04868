package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ctflow/ctflow/internal/config"
	"github.com/ctflow/ctflow/internal/domain/audit"
	"github.com/ctflow/ctflow/internal/domain/dashboard"
	"github.com/ctflow/ctflow/internal/domain/notification"
	"github.com/ctflow/ctflow/internal/domain/patient"
	"github.com/ctflow/ctflow/internal/domain/scan"
	"github.com/ctflow/ctflow/internal/domain/scanner"
	"github.com/ctflow/ctflow/internal/domain/user"
	"github.com/ctflow/ctflow/internal/domain/workflow"
	"github.com/ctflow/ctflow/internal/platform/auth"
	"github.com/ctflow/ctflow/internal/platform/cache"
	"github.com/ctflow/ctflow/internal/platform/db"
	"github.com/ctflow/ctflow/internal/platform/middleware"
	"github.com/ctflow/ctflow/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ctflow-server",
		Short: "Emergency-department CT workflow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CT workflow API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo accounts, scanners and patients for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("refusing to seed demo data with ENV=production")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			return seedDemoData(ctx, pool)
		},
	}
}

// seedDemoData loads a small working set: staff accounts for each role,
// two scanners, and a pair of registered patients. Idempotence is by
// unique key; reruns report conflicts and keep going.
func seedDemoData(ctx context.Context, pool *pgxpool.Pool) error {
	userSvc := user.NewService(user.NewRepoPG(pool), nil)
	patientSvc := patient.NewService(patient.NewRepoPG(pool), pool)
	scannerSvc := scanner.NewService(scanner.NewRepoPG(pool), pool)

	staff := []user.RegisterInput{
		{Email: "admin@ctflow.local", Password: "admin1234", FullName: "System Admin", Role: auth.RoleAdmin},
		{Email: "physician@ctflow.local", Password: "doctor1234", FullName: "Dr. Aisha Rahman", Role: auth.RoleEDPhysician},
		{Email: "radiologist@ctflow.local", Password: "radio1234", FullName: "Dr. Wei Lim", Role: auth.RoleRadiologist},
		{Email: "nurse@ctflow.local", Password: "nurse1234", FullName: "Nurse Siti Hassan", Role: auth.RoleNurse},
		{Email: "tech@ctflow.local", Password: "tech1234", FullName: "Tech Kumar Raj", Role: auth.RoleTechnician},
	}
	for i := range staff {
		if _, err := userSvc.Register(ctx, &staff[i]); err != nil {
			fmt.Printf("seed user %s: %v\n", staff[i].Email, err)
		} else {
			fmt.Printf("seeded user %s (%s)\n", staff[i].Email, staff[i].Role)
		}
	}

	loc1, loc2 := "ED Imaging Bay 1", "Radiology Level 2"
	scanners := []scanner.Scanner{
		{Code: "CT-01", Name: "ED Scanner 1", Location: &loc1, OperationalStart: "00:00", OperationalEnd: "23:59", DailyCapacity: 40, AvgScanDurationMinutes: 20},
		{Code: "CT-02", Name: "Radiology Scanner 2", Location: &loc2, OperationalStart: "08:00", OperationalEnd: "20:00", DailyCapacity: 30, AvgScanDurationMinutes: 30},
	}
	for i := range scanners {
		if err := scannerSvc.Create(ctx, &scanners[i]); err != nil {
			fmt.Printf("seed scanner %s: %v\n", scanners[i].Code, err)
		} else {
			fmt.Printf("seeded scanner %s\n", scanners[i].Code)
		}
	}

	complaint1, complaint2 := "Fell from ladder, hit head", "Persistent headache for 3 days"
	ward := "ED"
	patients := []patient.Patient{
		{MRN: "MRN-DEMO0001", FirstName: "Ahmad", LastName: "Abdullah", DateOfBirth: time.Date(1965, 3, 12, 0, 0, 0, 0, time.UTC), Gender: "male", Ward: &ward, ChiefComplaint: &complaint1},
		{MRN: "MRN-DEMO0002", FirstName: "Mei Ling", LastName: "Tan", DateOfBirth: time.Date(1988, 11, 2, 0, 0, 0, 0, time.UTC), Gender: "female", Ward: &ward, ChiefComplaint: &complaint2},
	}
	for i := range patients {
		if err := patientSvc.Register(ctx, &patients[i]); err != nil {
			fmt.Printf("seed patient %s: %v\n", patients[i].MRN, err)
		} else {
			fmt.Printf("seeded patient %s\n", patients[i].MRN)
		}
	}

	return nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis backs the queue lock, the dashboard cache and the token
	// denylist. Development degrades to an in-process store so the server
	// comes up without Redis running.
	var store cache.Store
	if client, err := cache.NewRedisClient(ctx, cfg.RedisURL); err != nil {
		if cfg.IsProduction() {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-process cache")
		store = cache.NewMemoryStore()
	} else {
		defer client.Close()
		store = cache.NewRedisStore(client)
		logger.Info().Msg("connected to redis")
	}

	tokens := auth.NewManager(cfg.JWTSecret,
		time.Duration(cfg.JWTExpiryMinutes)*time.Minute,
		auth.NewDenylist(store))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(tokens))
	}

	// WebSocket hub
	hub := websocket.NewHub()
	websocket.NewWebSocketHandler(hub).RegisterRoutes(e)

	// Domain services
	auditSvc := audit.NewService(audit.NewRepoPG(pool))
	recorder := audit.NewRecorder(auditSvc, logger)

	e.Use(middleware.Audit(logger, recorder))

	userSvc := user.NewService(user.NewRepoPG(pool), tokens)
	userSvc.SetAuditSink(recorder)

	notifSvc := notification.NewService(notification.NewRepoPG(pool))
	notifSvc.RegisterSender(notification.ChannelInApp, notification.NewInAppSender(hub))
	notifSvc.SetContactDirectory(&userContacts{users: userSvc})

	patientSvc := patient.NewService(patient.NewRepoPG(pool), pool)
	patientSvc.SetAuditSink(recorder)
	patientSvc.SetEventSink(&patientEvents{hub: hub})

	scannerSvc := scanner.NewService(scanner.NewRepoPG(pool), pool)
	scannerSvc.SetAuditSink(recorder)
	scannerSvc.SetStatusSink(&scannerEvents{hub: hub})

	scanSvc := scan.NewService(scan.NewRepoPG(pool), pool)
	scanSvc.SetScannerLedger(&scannerLedger{fleet: scannerSvc})
	scanSvc.SetPatientJourney(patientSvc)
	scanSvc.SetAuditSink(recorder)

	// Scans knocked off a scanner that leaves service go back into the
	// validated pool for the next queue pass.
	scannerSvc.SetScanRequeuer(scanSvc)

	dashRepo := dashboard.NewRepoPG(pool)
	dashSvc := dashboard.NewService(dashRepo, store)
	dashSvc.SetCacheTTL(time.Duration(cfg.DashboardCacheTTL) * time.Second)

	scanSvc.AddTransitionSink(&scanEvents{hub: hub, dash: dashSvc})
	scanSvc.AddTransitionSink(&scanNotices{scans: scanSvc, notifs: notifSvc, logger: logger})

	workflowSvc := workflow.NewService(workflow.NewRepoPG(pool), &scanGateway{scans: scanSvc}, store)
	workflowSvc.SetLogger(logger)
	workflowSvc.SetPatientGateway(patientSvc)
	workflowSvc.SetAuditSink(recorder)
	workflowSvc.SetQueueSink(&queueEvents{hub: hub, dash: dashSvc})
	workflowSvc.SetNotifier(&workflowNotices{notifs: notifSvc, logger: logger})

	// Routes
	e.GET("/health", db.HealthHandler(pool))
	e.GET("/health/db", func(c echo.Context) error {
		return c.JSON(http.StatusOK, db.GetPoolStats(pool))
	})
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	// The WebSocket endpoint is long-lived, so the request timeout and
	// body sanitizer apply to the REST surface only.
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))
	apiV1.Use(middleware.SanitizeWithLogger(logger))

	user.NewHandler(userSvc).RegisterRoutes(apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	scan.NewHandler(scanSvc).RegisterRoutes(apiV1)
	scanner.NewHandler(scannerSvc).RegisterRoutes(apiV1)
	workflow.NewHandler(workflowSvc).RegisterRoutes(apiV1)
	notification.NewHandler(notifSvc).RegisterRoutes(apiV1)
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	dashboard.NewHandler(dashSvc).RegisterRoutes(apiV1)

	// Background loops: periodic queue passes and notification delivery.
	// Both stop with the server context.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	go runScheduler(bgCtx, workflowSvc, time.Duration(cfg.SchedulerInterval)*time.Second, logger)
	go notification.NewDispatcher(notifSvc, logger).Run(bgCtx)

	// Serve
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server start failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancelBg()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runScheduler drives periodic queue passes so scans left unplaced by an
// earlier pass are retried even when no new order or fleet change
// triggers one.
func runScheduler(ctx context.Context, svc *workflow.Service, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Msg("queue scheduler started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("queue scheduler stopped")
			return
		case <-ticker.C:
			res, err := svc.RunQueue(ctx)
			if err != nil {
				if !errors.Is(err, workflow.ErrQueueBusy) {
					logger.Error().Err(err).Msg("queue pass failed")
				}
				continue
			}
			if res.Scheduled > 0 || len(res.Unscheduled) > 0 {
				logger.Info().
					Int("scheduled", res.Scheduled).
					Int("unscheduled", len(res.Unscheduled)).
					Msg("queue pass complete")
			}
		}
	}
}

// scannerLedger adapts the scanner fleet service to the scan lifecycle,
// translating the fleet's sentinels into the lifecycle's so capacity
// exhaustion and lost reservations keep their meaning across the seam.
type scannerLedger struct {
	fleet *scanner.Service
}

func (l *scannerLedger) Reserve(ctx context.Context, scannerID uuid.UUID) error {
	err := l.fleet.Reserve(ctx, scannerID)
	switch {
	case errors.Is(err, scanner.ErrCapacityExhausted):
		return scan.ErrNoCapacity
	case errors.Is(err, scanner.ErrVersionConflict):
		return scan.ErrSchedulingConflict
	}
	return err
}

func (l *scannerLedger) MarkInUse(ctx context.Context, scannerID uuid.UUID) error {
	return l.fleet.MarkInUse(ctx, scannerID)
}

func (l *scannerLedger) Release(ctx context.Context, scannerID uuid.UUID, completed bool) error {
	return l.fleet.Release(ctx, scannerID, completed)
}

// scanGateway adapts the scan lifecycle service to the workflow
// scheduler, translating lifecycle errors into the scheduler's taxonomy.
type scanGateway struct {
	scans *scan.Service
}

func (g *scanGateway) Info(ctx context.Context, scanID uuid.UUID) (*workflow.ScanInfo, error) {
	sc, err := g.scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return &workflow.ScanInfo{
		ScanID:     sc.ID,
		ScanNumber: sc.ScanNumber,
		PatientID:  sc.PatientID,
		OrderedBy:  sc.OrderedBy,
		Status:     sc.Status,
		Urgency:    sc.Urgency,
	}, nil
}

func (g *scanGateway) Validate(ctx context.Context, scanID uuid.UUID, actor string) error {
	return g.scans.Transition(ctx, scanID, scan.StatusValidated, actor, auth.RoleAdmin, scan.TransitionPayload{})
}

func (g *scanGateway) Schedule(ctx context.Context, scanID, scannerID uuid.UUID, slot time.Time, actor string) error {
	err := g.scans.Transition(ctx, scanID, scan.StatusScheduled, actor, auth.RoleAdmin, scan.TransitionPayload{
		ScannerID:     &scannerID,
		ScheduledTime: &slot,
	})
	switch {
	case errors.Is(err, scan.ErrNoCapacity):
		return workflow.ErrNoCapacity
	case errors.Is(err, scan.ErrSchedulingConflict):
		return workflow.ErrAssignmentConflict
	}
	return err
}

// scanEvents feeds committed lifecycle changes to the live dashboards.
type scanEvents struct {
	hub  *websocket.Hub
	dash *dashboard.Service
}

func (s *scanEvents) ScanTransitioned(ctx context.Context, ev scan.TransitionEvent) {
	s.hub.BroadcastScan("scan."+ev.NewStatus, ev.ScanID, ev)
	s.dash.Invalidate(ctx)
}

func (s *scanEvents) CriticalFinding(ctx context.Context, ev scan.TransitionEvent) {
	s.hub.BroadcastScan("scan.critical_finding", ev.ScanID, ev)
	s.dash.Invalidate(ctx)
}

// scanNotices turns lifecycle events into in-app notifications for the
// ordering physician.
type scanNotices struct {
	scans  *scan.Service
	notifs *notification.Service
	logger zerolog.Logger
}

func (s *scanNotices) ScanTransitioned(ctx context.Context, ev scan.TransitionEvent) {
	sc, err := s.scans.Get(ctx, ev.ScanID)
	if err != nil {
		s.logger.Error().Err(err).Str("scan_id", ev.ScanID.String()).Msg("notify: load scan failed")
		return
	}
	in := notification.StatusUpdate(sc.OrderedBy, ev.ScanID, ev.ScanNumber, ev.PreviousStatus, ev.NewStatus)
	if _, err := s.notifs.Create(ctx, in); err != nil {
		s.logger.Error().Err(err).Str("scan_id", ev.ScanID.String()).Msg("notify: create failed")
	}
}

func (s *scanNotices) CriticalFinding(ctx context.Context, ev scan.TransitionEvent) {
	sc, err := s.scans.Get(ctx, ev.ScanID)
	if err != nil {
		s.logger.Error().Err(err).Str("scan_id", ev.ScanID.String()).Msg("notify: load scan failed")
		return
	}
	in := notification.CriticalResult(sc.OrderedBy, ev.ScanID, ev.ScanNumber)
	if _, err := s.notifs.Create(ctx, in); err != nil {
		s.logger.Error().Err(err).Str("scan_id", ev.ScanID.String()).Msg("notify: create failed")
	}
}

// workflowNotices delivers intake outcomes to the ordering physician.
type workflowNotices struct {
	notifs *notification.Service
	logger zerolog.Logger
}

func (w *workflowNotices) OrderProcessed(ctx context.Context, sc *workflow.ScanInfo, scheduled bool) {
	if scheduled {
		// The scheduled transition already produced a status update.
		return
	}
	in := notification.CreateInput{
		UserID:   sc.OrderedBy,
		ScanID:   &sc.ScanID,
		Channel:  notification.ChannelInApp,
		Category: notification.CategoryStatusUpdate,
		Subject:  fmt.Sprintf("Scan %s queued", sc.ScanNumber),
		Message:  fmt.Sprintf("Scan %s is validated and waiting for a scanner slot.", sc.ScanNumber),
	}
	if _, err := w.notifs.Create(ctx, in); err != nil {
		w.logger.Error().Err(err).Str("scan_id", sc.ScanID.String()).Msg("notify: create failed")
	}
}

func (w *workflowNotices) EscalateUnplaced(ctx context.Context, sc *workflow.ScanInfo) {
	in := notification.EscalationAlert(sc.OrderedBy, sc.ScanID, sc.ScanNumber, 0)
	if _, err := w.notifs.Create(ctx, in); err != nil {
		w.logger.Error().Err(err).Str("scan_id", sc.ScanID.String()).Msg("notify: escalation failed")
	}
}

// queueEvents pushes queue pass summaries to the dashboard room.
type queueEvents struct {
	hub  *websocket.Hub
	dash *dashboard.Service
}

func (q *queueEvents) QueueCompleted(ctx context.Context, result *workflow.QueueResult) {
	q.hub.BroadcastQueue(result)
	if result.Scheduled > 0 {
		q.dash.Invalidate(ctx)
	}
}

// patientEvents mirrors patient journey changes into the patients room.
type patientEvents struct {
	hub *websocket.Hub
}

func (p *patientEvents) PatientChanged(_ context.Context, pt *patient.Patient, action string) {
	p.hub.BroadcastPatient("patient."+action, pt.ID, pt)
}

// scannerEvents mirrors fleet changes into the scanners room.
type scannerEvents struct {
	hub *websocket.Hub
}

func (s *scannerEvents) ScannerStatusChanged(_ context.Context, sc *scanner.Scanner, previous string) {
	s.hub.BroadcastScanner("scanner."+sc.Status, sc.ID, map[string]interface{}{
		"scanner":  sc,
		"previous": previous,
	})
}

// userContacts resolves notification delivery endpoints from the staff
// directory.
type userContacts struct {
	users *user.Service
}

func (u *userContacts) ContactFor(ctx context.Context, userID uuid.UUID) (notification.Contact, error) {
	usr, err := u.users.Me(ctx, userID)
	if err != nil {
		return notification.Contact{}, err
	}
	c := notification.Contact{Email: usr.Email}
	if usr.Phone != nil {
		c.Phone = *usr.Phone
	}
	return c, nil
}
