// Command engine runs the pipeline execution core: the Redis Streams worker
// pool, the stalled-task supervisor, the priority preemption monitor, and a
// health endpoint over the backing stores.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	checkpointpg "github.com/ecoachlabs/ideamine-engine/checkpoint/postgres"
	"github.com/ecoachlabs/ideamine-engine/clients/postgres"
	"github.com/ecoachlabs/ideamine-engine/clients/redis"
	"github.com/ecoachlabs/ideamine-engine/events"
	eventsmongo "github.com/ecoachlabs/ideamine-engine/events/mongo"
	"github.com/ecoachlabs/ideamine-engine/executor"
	"github.com/ecoachlabs/ideamine-engine/priority"
	prioritypg "github.com/ecoachlabs/ideamine-engine/priority/postgres"
	"github.com/ecoachlabs/ideamine-engine/queue"
	taskpg "github.com/ecoachlabs/ideamine-engine/task/postgres"
	"github.com/ecoachlabs/ideamine-engine/worker"
)

func main() {
	var (
		redisAddrF  = flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address for the job queue and heartbeat KV")
		redisPassF  = flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
		postgresF   = flag.String("postgres-url", envOr("DATABASE_URL", "postgres://localhost:5432/ideamine"), "Postgres connection string")
		mongoF      = flag.String("mongo-uri", os.Getenv("MONGO_URI"), "Mongo URI for the event journal (journal disabled when empty)")
		mongoDBF    = flag.String("mongo-db", envOr("MONGO_DB", "ideamine"), "Mongo database for the event journal")
		httpAddrF   = flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "Health endpoint listen address")
		topicF      = flag.String("topic", worker.DefaultTopic, "Task stream topic")
		groupF      = flag.String("group", worker.DefaultGroup, "Consumer group")
		minWorkersF = flag.Int("min-workers", envIntOr("MIN_WORKERS", 1), "Minimum pool size")
		maxWorkersF = flag.Int("max-workers", envIntOr("MAX_WORKERS", worker.DefaultMaxWorkers()), "Maximum pool size")
		policyF     = flag.String("preemption-policy", os.Getenv("PREEMPTION_POLICY"), "Preemption policy YAML file (preemption disabled when empty)")
		dbgF        = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, config{
		redisAddr:     *redisAddrF,
		redisPassword: *redisPassF,
		postgresURL:   *postgresF,
		mongoURI:      *mongoF,
		mongoDB:       *mongoDBF,
		httpAddr:      *httpAddrF,
		topic:         *topicF,
		group:         *groupF,
		minWorkers:    *minWorkersF,
		maxWorkers:    *maxWorkersF,
		policyFile:    *policyF,
	}); err != nil {
		log.Fatal(ctx, err)
	}
}

type config struct {
	redisAddr     string
	redisPassword string
	postgresURL   string
	mongoURI      string
	mongoDB       string
	httpAddr      string
	topic         string
	group         string
	minWorkers    int
	maxWorkers    int
	policyFile    string
}

func run(ctx context.Context, cfg config) error {
	rdb, err := redis.Connect(ctx, redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	db, err := postgres.Connect(ctx, postgres.Options{URL: cfg.postgresURL})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	bus, err := events.NewBus()
	if err != nil {
		return err
	}
	pingers := []health.Pinger{rdb, db}
	if cfg.mongoURI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.mongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() { _ = mc.Disconnect(ctx) }()
		journal, err := eventsmongo.NewJournal(ctx, eventsmongo.Options{
			Client:   mc,
			Database: cfg.mongoDB,
		})
		if err != nil {
			return err
		}
		journal.Attach(bus)
		pingers = append(pingers, journal)
	}

	repo, err := taskpg.NewRepository(db)
	if err != nil {
		return err
	}
	cpStore, err := checkpointpg.NewStore(db)
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewManager(checkpoint.Options{Store: cpStore})
	if err != nil {
		return err
	}
	q, err := queue.New(queue.Options{Client: rdb})
	if err != nil {
		return err
	}

	// Production deployments register their agent and tool executors here;
	// the stock binary ships an empty registry and fails unknown targets.
	registry := executor.NewFuncRegistry()

	newWorker := func(id string) (*worker.Worker, error) {
		return worker.New(worker.Options{
			ID:          id,
			Repo:        repo,
			Checkpoints: checkpoints,
			Registry:    registry,
			Redis:       rdb,
			Bus:         bus,
		})
	}
	pool, err := worker.NewPool(worker.PoolOptions{
		Queue:      q,
		NewWorker:  newWorker,
		Topic:      cfg.topic,
		Group:      cfg.group,
		MinWorkers: cfg.minWorkers,
		MaxWorkers: cfg.maxWorkers,
	})
	if err != nil {
		return err
	}

	reclaimer, err := newWorker("supervisor-reclaim")
	if err != nil {
		return err
	}
	supervisor, err := worker.NewSupervisor(worker.SupervisorOptions{
		Repo:   repo,
		Queue:  q,
		Worker: reclaimer,
		Bus:    bus,
		Topic:  cfg.topic,
		Group:  cfg.group,
	})
	if err != nil {
		return err
	}

	engine, err := buildPriorityEngine(cfg, repo, checkpoints, q, db)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, err, log.KV{K: "msg", V: "supervisor stopped"})
		}
	}()
	if engine != nil {
		engine.StartMonitoring(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	server := &http.Server{Addr: cfg.httpAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "engine listening"}, log.KV{K: "addr", V: cfg.httpAddr})
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	reason := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: reason.Error()})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "http shutdown failed"})
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "pool stop failed"})
	}
	if engine != nil {
		engine.Stop()
	}
	return nil
}

// buildPriorityEngine wires the preemption monitor when a policy file is
// configured; without one the engine still assigns priorities but never
// preempts.
func buildPriorityEngine(cfg config, repo *taskpg.Repository, checkpoints *checkpoint.Manager, q *queue.Queue, db *postgres.Client) (*priority.Engine, error) {
	usage, err := prioritypg.NewUsageStore(db)
	if err != nil {
		return nil, err
	}
	opts := priority.Options{
		Repo:        repo,
		Usage:       usage,
		Checkpoints: checkpoints,
		Queue:       q,
		Topic:       cfg.topic,
	}
	if cfg.policyFile != "" {
		raw, err := os.ReadFile(cfg.policyFile)
		if err != nil {
			return nil, fmt.Errorf("read preemption policy: %w", err)
		}
		policy, err := priority.LoadPolicy(raw)
		if err != nil {
			return nil, err
		}
		opts.Policy = policy
		opts.Config = priority.Config{EnablePreemption: true}
	}
	return priority.New(opts)
}

// envOr returns the environment value when set, the fallback otherwise.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// envIntOr parses an integer environment value, falling back on absence or a
// parse failure.
func envIntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
