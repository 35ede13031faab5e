package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hivemind/pkg/bus"
	"hivemind/pkg/config"
	"hivemind/pkg/eventlog"
	"hivemind/pkg/failure"
	"hivemind/pkg/health"
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/metrics"
	"hivemind/pkg/monitor"
	"hivemind/pkg/orch"
	"hivemind/pkg/persistence"
	"hivemind/pkg/proto"
	"hivemind/pkg/queue"
	"hivemind/pkg/sched"
	"hivemind/pkg/selfheal"
)

const shutdownGrace = 10 * time.Second

func main() {
	fmt.Println("hivemind boot")

	var configPath string
	var eventLogDir string
	var noSelfHeal bool
	flag.StringVar(&configPath, "config", "", "Path to config file (YAML)")
	flag.StringVar(&eventLogDir, "eventlog", "logs", "Directory for message event logs")
	flag.BoolVar(&noSelfHeal, "no-selfheal", false, "Disable the process-level self-healing supervisor")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg, eventLogDir, noSelfHeal); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
}

func run(cfg *config.Config, eventLogDir string, noSelfHeal bool) error {
	logger := logx.NewLogger("main")

	db, err := persistence.InitializeDatabase(cfg.Storage.DBPath)
	if err != nil {
		return logx.Wrap(err, "failed to initialize database")
	}
	defer func() { _ = db.Close() }()
	store := persistence.NewStore(db)

	events, err := eventlog.NewWriter(eventLogDir)
	if err != nil {
		return logx.Wrap(err, "failed to open event log")
	}
	defer func() { _ = events.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus := bus.New(cfg.Bus, events)
	msgBus.Start(ctx)
	defer msgBus.Stop()

	scheduler := sched.NewScheduler(sched.RealClock{})
	if err := scheduler.Start(ctx); err != nil {
		return logx.Wrap(err, "failed to start scheduler")
	}
	defer scheduler.Stop()

	agents := manager.NewAgentManager(store, cfg.Registry)
	tasks := queue.NewTaskQueue(store, cfg.Queue)
	failures := failure.NewHandler(store, agents, tasks)

	orchestrator, err := orch.New(agents, tasks)
	if err != nil {
		return logx.Wrap(err, "failed to create orchestrator")
	}

	// Inbound delegation requests arrive over the bus; replying through
	// NewResponse closes the request/response loop for callers.
	msgBus.Subscribe(orchestrator.SelfID(), func(msg *proto.BusMsg) {
		if msg.Type != proto.MsgTypeDELEGATION {
			return
		}
		result, err := orchestrator.RouteMessage(msg.PayloadString("intent"), msg.PayloadString(proto.KeyContent))
		resp := proto.NewResponse(msg, proto.MsgTypeASSIGNMENT, orchestrator.SelfID())
		if err != nil {
			resp.Type = proto.MsgTypeERROR
			resp.SetPayload(proto.KeyReason, err.Error())
		} else {
			resp.SetPayload(proto.KeyStatus, result.Status)
			resp.SetPayload(proto.KeyTaskID, result.TaskID)
		}
		if err := msgBus.Publish(resp); err != nil {
			logger.Warn("Failed to answer delegation %s: %v", msg.ID, err)
		}
	})

	// Failure notifications from mutual monitoring route into the handler
	// through the orchestrator's subscription on its own id.
	msgBus.Subscribe(string(config.TypeOrchestrator), func(msg *proto.BusMsg) {
		if msg.Type != proto.MsgTypeFAILUREDETECTED {
			return
		}
		agentID := msg.PayloadString(proto.KeyAgentID)
		if agentID == "" {
			return
		}
		if _, _, err := failures.RecordFailure(agentID, persistence.FailureUnresponsive,
			msg.PayloadString(proto.KeyReason), msg.PayloadString(proto.KeyDetectedBy)); err != nil {
			logger.Error("Failed to handle detected failure for %s: %v", agentID, err)
		}
	})

	// Agents report liveness to their supervisor's type key; the listener
	// keeps last_heartbeat fresh so monitors only escalate real silence.
	heartbeats := monitor.NewHeartbeatListener(agents)
	msgBus.Subscribe(string(config.TypeOrchestrator), heartbeats.Handle)

	workload := monitor.NewWorkloadMonitor(agents, tasks, cfg.Workload)
	workload.Schedule(scheduler)

	mutual := monitor.NewMutualMonitor(store, agents, msgBus, cfg.Mutual)
	mutual.Schedule(scheduler)

	watchdog := monitor.NewWatchdog(agents, failures, msgBus, cfg.Watchdog)
	watchdog.Schedule(scheduler)

	var supervisor *selfheal.Supervisor
	if cfg.SelfHeal.ListCommand == "" || cfg.SelfHeal.RestartCommand == "" {
		if !noSelfHeal {
			logger.Info("Process manager commands not configured, self-healing disabled")
		}
		noSelfHeal = true
	}
	if !noSelfHeal {
		pm, err := selfheal.NewExecManager(cfg.SelfHeal.ListCommand, cfg.SelfHeal.RestartCommand)
		if err != nil {
			return logx.Wrap(err, "failed to create process manager")
		}
		supervisor = selfheal.NewSupervisor(cfg.SelfHeal, pm, sched.RealClock{}, scheduler)
		supervisor.Schedule()
	}

	var queries *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return logx.Wrap(err, "failed to create metrics query service")
		}
	}

	healthSrv := health.NewServer(cfg.Health.ListenAddr, store, supervisor, queries)
	healthSrv.Start()

	logger.Info("hivemind running, orchestrator agent %s", orchestrator.SelfID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown: %v", err)
	}
	return nil
}
