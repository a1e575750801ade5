package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Talentis/app/controllers"
	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/boost"
	"github.com/ManuelReschke/Talentis/internal/pkg/cache"
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
	"github.com/ManuelReschke/Talentis/internal/pkg/database"
	"github.com/ManuelReschke/Talentis/internal/pkg/entitlements"
	"github.com/ManuelReschke/Talentis/internal/pkg/env"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Talentis/internal/pkg/mail"
	"github.com/ManuelReschke/Talentis/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
	"github.com/ManuelReschke/Talentis/internal/pkg/recruitment"
	"github.com/ManuelReschke/Talentis/internal/pkg/router"
	"github.com/ManuelReschke/Talentis/internal/pkg/s3archive"
	"github.com/ManuelReschke/Talentis/internal/pkg/subscription"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("[Main] Shutting down")
		manager.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Main] Shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	setLogLevel(env.GetEnv("LOG_LEVEL", "info"))
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()
	repos := repository.NewRepositories(db)

	cat, err := catalog.Load(env.GetEnv("CATALOG_FILE", ""))
	if err != nil {
		panic(err)
	}
	log.Infof("[Main] Catalog %s loaded (%s)", cat.Version, cat.Currency)

	gateways := gateway.NewRegistryFromEnv()
	svc := billing.NewService(repos, gateways)
	svc.SetPendingTimeout(cat.PendingTimeout)

	quotas := quota.NewLedger(repos.Quota, repos.Subscription, cat)
	subs := subscription.NewLedger(repos, svc, quotas, cat)
	packs := recruitment.NewLedger(repos, svc, cat)
	counters := counter.New(rdb, db)
	boosts := boost.NewLedger(repos, svc, quotas, cat).WithCounters(counters)
	svc.RegisterActivator(models.PurchaseSubscription, subs)
	svc.RegisterActivator(models.PurchasePack, packs)
	svc.RegisterActivator(models.PurchaseBoost, boosts)

	queue := jobqueue.NewQueue(rdb, envInt("JOBQUEUE_WORKERS", 2))
	jobqueue.RegisterMailHandlers(queue, repos.User, mail.NewSMTPMailerFromEnv())
	svc.SetNotifier(jobqueue.NewNotifier(queue))

	archiveCfg, err := s3archive.LoadConfig()
	if err != nil {
		panic(err)
	}
	if archiveCfg.Enabled {
		archiver, err := s3archive.NewArchiver(context.Background(), archiveCfg)
		if err != nil {
			panic(err)
		}
		svc.SetArchiver(archiver)
		log.Infof("[Main] Rejected webhooks archived to s3://%s/%s", archiveCfg.BucketName, archiveCfg.Prefix)
	}

	manager := jobqueue.NewManager(rdb, queue)
	interval, _ := time.ParseDuration(env.GetEnv("SWEEP_INTERVAL", "5m"))
	jobqueue.RegisterSweeps(manager, jobqueue.SweepDeps{
		Billing:       svc,
		Subscriptions: subs,
		Packs:         packs,
		Boosts:        boosts,
		Quotas:        quotas,
		Counters:      counters,
		Interval:      interval,
	})

	engine := entitlements.NewEngine(subs, quotas)

	app := fiber.New(fiber.Config{
		AppName:   "Talentis Premium",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	adminUser := env.GetEnv("MONITOR_USER", "admin")
	adminPass := env.GetEnv("MONITOR_PASSWORD", "")
	if adminPass != "" {
		guard := basicauth.New(basicauth.Config{Users: map[string]string{adminUser: adminPass}})
		app.Get("/monitor", guard, monitor.New(monitor.Config{Title: "Talentis Premium"}))
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// SWAGGER / OPENAPI
	if path := openAPIPath(); path != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: path,
			Path:     "v1",
		}))
	}

	router.InstallRouter(app, router.Deps{
		Premium: controllers.NewPremiumController(controllers.Services{
			Catalog:       cat,
			Entitlements:  engine,
			Quotas:        quotas,
			Subscriptions: subs,
			Packs:         packs,
			Boosts:        boosts,
			Billing:       svc,
			Health: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				if err := sqlDB.PingContext(ctx); err != nil {
					return err
				}
				return rdb.Ping(ctx).Err()
			},
		}),
		Admin:                    controllers.NewAdminController(subs, manager, queue),
		Users:                    repos.User,
		Guard:                    engine,
		Free:                     quotas,
		Storage:                  newLimiterStorage(rdb),
		APIRequestsPerMinute:     envInt("API_RATE_LIMIT", 120),
		WebhookRequestsPerMinute: envInt("WEBHOOK_RATE_LIMIT", 600),
	})

	return app, manager
}

// newLimiterStorage keeps rate limit counters in Redis database 2 so every
// instance shares them. The cache uses database 0.
func newLimiterStorage(rdb *redis.Client) fiber.Storage {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := envInt("CACHE_PORT", 6379)
	password := env.GetEnv("CACHE_PASSWORD", "")
	if rdb != nil {
		if h, p, err := net.SplitHostPort(rdb.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := rdb.Options().Password; p != "" {
			password = p
		}
	}
	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 2,
		Reset:    false,
	})
}

func openAPIPath() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		p := base + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Warn("[Main] openapi.yml not found, API docs disabled")
	return ""
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return def
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(log.LevelDebug)
	case "warn":
		log.SetLevel(log.LevelWarn)
	case "error":
		log.SetLevel(log.LevelError)
	default:
		log.SetLevel(log.LevelInfo)
	}
}
