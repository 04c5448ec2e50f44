// cmd/orchestrate/main.go

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TuringDynamics3000/TuringMachines/config"
	"github.com/TuringDynamics3000/TuringMachines/handler/httpapi"
	"github.com/TuringDynamics3000/TuringMachines/internal/authority"
	"github.com/TuringDynamics3000/TuringMachines/internal/deadletter"
	"github.com/TuringDynamics3000/TuringMachines/internal/dispatch"
	"github.com/TuringDynamics3000/TuringMachines/internal/policy"
	"github.com/TuringDynamics3000/TuringMachines/internal/risk"
	"github.com/TuringDynamics3000/TuringMachines/internal/serializer"
	"github.com/TuringDynamics3000/TuringMachines/shared/kafka"
	"github.com/TuringDynamics3000/TuringMachines/shared/rabbitmq"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

// Exit codes: 0 clean shutdown, 1 config error, 3 store unreachable.
// (2 is what the Go runtime uses for an unhandled panic, so it stays
// distinguishable.)
const (
	exitConfig = 1
	exitStore  = 3
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// =========================================================================
	// 1. LOAD CONFIG
	// =========================================================================
	cfg, err := config.Load()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(exitConfig)
	}

	// =========================================================================
	// 2. SETUP DEPENDENCIES (STORE, KAFKA, RABBITMQ)
	// =========================================================================

	// The store: Postgres when configured, in-memory for local runs.
	var st store.WorkflowStore
	if cfg.CommonConfig.DB_HOST != "" {
		pg, err := store.NewPostgresStore(cfg.CommonConfig.GetDBURL())
		if err != nil {
			log.Printf("store unreachable: %v", err)
			os.Exit(exitStore)
		}
		defer pg.Close()
		st = pg
		log.Println("connected to Postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Println("⚠️ no DB configured, using in-memory store (state is lost on restart)")
	}

	// Outbound decision log (Kafka). Optional: without it decisions are
	// durable in the store but not published.
	var producer kafka.Publisher
	if cfg.CommonConfig.KAFKA_BROKER != "" && cfg.CommonConfig.KAFKA_TOPIC != "" {
		kp := kafka.NewKafkaProducer(cfg.CommonConfig.KAFKA_BROKER, cfg.CommonConfig.KAFKA_TOPIC)
		defer kp.Close()
		producer = kp
		log.Println("connected to Kafka, publishing decision.finalised to topic:", cfg.CommonConfig.KAFKA_TOPIC)
	} else {
		log.Println("⚠️ Kafka config missing, decisions will not be published")
	}

	// Dead-letter queue (RabbitMQ). Optional as well.
	var dead deadletter.Sink
	if cfg.CommonConfig.RABBITMQ_HOST != "" {
		rabbitClient, err := rabbitmq.NewClient(cfg.CommonConfig.GetRabbitMQURL())
		if err != nil {
			log.Printf("⚠️ RabbitMQ unavailable, dead-lettering disabled: %v", err)
		} else {
			defer rabbitClient.Close()
			sink, err := deadletter.NewRabbitSink(rabbitClient)
			if err != nil {
				log.Printf("⚠️ failed to declare dead-letter queue: %v", err)
			} else {
				dead = sink
				log.Println("dead-letter queue ready:", deadletter.Queue)
			}
		}
	}

	// =========================================================================
	// 3. BUILD THE PIPELINE
	// =========================================================================
	packs := policy.NewLoader()
	riskClient := risk.NewClient(cfg.RiskURL, cfg.RiskTimeout, cfg.RiskBackoffBase, cfg.RiskBackoffCap, cfg.RiskMaxRetries)
	auth := authority.New(st, producer, cfg.OutboundPublishMode)
	defer auth.Close()

	processor := dispatch.NewProcessor(st, riskClient, auth, packs, dispatch.ProcessorOptions{
		DefaultJurisdiction:   cfg.DefaultJurisdiction,
		RetainOnRiskTransient: cfg.RiskRetainOnTransient,
	})

	ser := serializer.New(processor.Handle, dispatch.IsRetriable, dead, serializer.Options{
		QueueDepth:      cfg.PerWorkflowQueueDepth,
		IdleTTL:         cfg.ActorIdleTTL,
		HandlerDeadline: cfg.EventHandlerDeadline,
		WorkerCap:       cfg.WorkerCap,
		MaxAttempts:     cfg.DeadletterMaxAttempts,
	})

	dispatcher := dispatch.NewDispatcher(st, ser)
	api := httpapi.New(dispatcher, st)

	// =========================================================================
	// 4. SERVE
	// =========================================================================
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Mux(),
	}

	go func() {
		log.Println("orchestrator listening on", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	// =========================================================================
	// 5. GRACEFUL SHUTDOWN
	// =========================================================================
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("shutdown signal received")

	// Stop taking new events first, then drain in-flight handlers, then
	// let the deferred closes tear down kafka/rabbit/store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	ser.Close()
	log.Println("drained, goodbye")
}
