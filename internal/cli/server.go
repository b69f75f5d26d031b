package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/infra/memory"
	natspub "live-quiz-service/internal/infra/nats"
	pgstore "live-quiz-service/internal/infra/postgres"
	redisstore "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/telemetry"
	transport "live-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the hub server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	telemetry.SetupLogging(os.Stderr, cfg.Log.Level)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisClient.AddHook(telemetry.NewRedisHook(config.TTLDuration(cfg.Redis.SlowLog, 50*time.Millisecond)))
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	loader, err := examLoader(cfg, pool)
	if err != nil {
		return err
	}

	examTTL := config.TTLDuration(cfg.Exams.TTL, 10*time.Minute)
	codeTTL := config.TTLDuration(cfg.Hub.CodeTTL, time.Hour)
	var (
		exams   app.ExamRepository
		codes   app.CodeRegistry
		store   app.SessionRepository
		claims  *redisstore.SessionStore
		options []app.Option
	)
	if redisClient != nil {
		exams = redisstore.NewExamRepository(redisClient, loader, examTTL)
		codes = redisstore.NewCodeRegistry(redisClient, codeTTL)
		claims = redisstore.NewSessionStore(redisClient, redisTTL)
		store = claims
	} else {
		exams = memory.NewExamRepository(loader, examTTL)
		codes = memory.NewCodeRegistry(codeTTL)
		store = memory.NewSessionStore()
	}

	settings := app.DefaultSettings()
	settings.PresenterTimeout = config.TTLDuration(cfg.Hub.PresenterTimeout, settings.PresenterTimeout)
	settings.LateGrace = config.TTLDuration(cfg.Hub.LateGrace, settings.LateGrace)
	settings.ServerTicks = cfg.Hub.ServerTicks
	options = append(options, app.WithSettings(settings))

	if pool != nil {
		options = append(options, app.WithAnswerLog(pgstore.NewAnswerLog(pool)))
	}
	if cfg.NATS.URL != "" {
		publisher, err := natspub.Connect(natspub.Config{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix})
		if err != nil {
			return err
		}
		defer publisher.Close()
		options = append(options, app.WithEventSink(publisher))
	}

	service := app.NewQuizService(store, exams, codes, options...)

	connCfg := transport.DefaultConnectionConfig()
	connCfg.CheckOrigin = transport.OriginChecker(cfg.Server.AllowedOrigins)
	wsHandler := transport.NewWSHandler(service, connCfg, transport.BearerIdentity)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(wsHandler, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("port", finalPort).Msg("starting live quiz hub")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if claims != nil {
		eg.Go(func() error {
			ticker := time.NewTicker(redisTTL / 3)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					claims.Refresh(ctx)
				}
			}
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down hub")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func examLoader(cfg config.Config, pool *pgxpool.Pool) (memory.ExamLoader, error) {
	switch {
	case pool != nil:
		return pgstore.NewExamLoader(pool), nil
	case cfg.Exams.SeedFile != "":
		return memory.LoadSeedFile(cfg.Exams.SeedFile)
	default:
		log.Warn().Msg("no exam source configured; serving an empty catalogue")
		return memory.NewStaticExamLoader(nil), nil
	}
}
