package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"healthq/internal/api"
	"healthq/internal/config"
	"healthq/internal/handlers/email"
	"healthq/internal/jobs"
	"healthq/internal/logging"
	"healthq/internal/mail"
	"healthq/internal/metrics"
	"healthq/internal/queue"
	"healthq/internal/scheduler"
	"healthq/internal/worker"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before the process environment")
	flag.Parse()

	boot := logging.New("info", "console")
	cfg, err := config.Load(*envFile)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.Dial(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	q := queue.NewRedisQueue(rdb, cfg.QueueKey, cfg.DeadLetterKey, log, m)
	defer q.Close()

	var wg sync.WaitGroup

	if cfg.EnableWorkers {
		handlers := map[jobs.TaskType]worker.Handler{
			jobs.TaskEmail: email.New(newSender(cfg, log), cfg.AppBaseURL, log),
		}
		pool := worker.NewPool(q, handlers, cfg.Workers,
			worker.WithPollTimeout(cfg.DequeueTimeout),
			worker.WithErrorBackoff(cfg.QueueErrorBackoff),
			worker.WithJobTimeout(cfg.JobTimeout),
			worker.WithLogger(log),
			worker.WithMetrics(m),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	var svc *scheduler.Service
	if cfg.EnableScanners {
		db, err := queue.OpenDB(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open db")
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := queue.Migrate(db, cfg.DBDriver); err != nil {
				log.Fatal().Err(err).Msg("migrate")
			}
		}

		scanners, err := buildScanners(cfg,
			queue.NewEligibilityStore(db, cfg.DBDriver),
			queue.NewUserDirectory(db, cfg.DBDriver),
			q, log, m)
		if err != nil {
			log.Fatal().Err(err).Msg("configure scanners")
		}
		svc, err = scheduler.NewService(log, scanners...)
		if err != nil {
			log.Fatal().Err(err).Msg("configure scanners")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Start(ctx)
		}()
	}

	var srv *http.Server
	if cfg.EnableAPI {
		deps := api.Deps{Queue: q, Gatherer: reg, Log: log, Debug: cfg.EnablePprof}
		if svc != nil {
			deps.Scanners = svc
		}
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(deps), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if srv != nil {
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

func newSender(cfg *config.Config, log zerolog.Logger) mail.Sender {
	switch cfg.MailProvider {
	case "mailgun":
		return mail.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailFrom, log,
			mail.WithSendTimeout(cfg.JobTimeout))
	case "http":
		return mail.NewHTTPSender(cfg.MailHTTPURL, cfg.MailHTTPToken, cfg.MailFrom, cfg.JobTimeout, log)
	default:
		return mail.NewLogSender(log)
	}
}
