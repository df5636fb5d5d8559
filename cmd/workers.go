/*
Copyright 2025 Concilia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia"
	"github.com/concilia-hq/concilia/config"
	redis_db "github.com/concilia-hq/concilia/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// indexData is the payload for a queued search-index task.
type indexData struct {
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload"`
}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processReconciliationRun drains one reconciliation run from the queue.
// Returning the error pushes the task back for retry; the run's saved
// progress checkpoint keeps retries from re-processing transactions.
func (b *conciliaInstance) processReconciliationRun(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("concilia.reconciliation.worker").Start(ctx, "Process Reconciliation Run From Queue")
	defer span.End()

	var payload concilia.ReconciliationTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.concilia.ProcessReconciliation(ctx, payload.RunID); err != nil {
		logrus.Infof("Reconciliation run %s pushed back for retry due to error: %v", payload.RunID, err)
		return err
	}

	log.Println(" [*] Reconciliation Run Processed", payload.RunID)
	return nil
}

// processSweep runs one orphan sweep cycle. The scheduler enqueues these on
// the configured cron spec; manual triggers land here too.
func (b *conciliaInstance) processSweep(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("concilia.sweeper.worker").Start(ctx, "Process Orphan Sweep From Queue")
	defer span.End()

	runID, err := b.concilia.SweepOrphans(ctx, 0)
	if err != nil {
		logrus.Infof("Sweep pushed back for retry due to error: %v", err)
		return err
	}

	log.Println(" [*] Orphan Sweep Processed", runID)
	return nil
}

// indexData upserts a queued document into the search index.
func (b *conciliaInstance) indexData(ctx context.Context, t *asynq.Task) error {
	var data indexData

	if err := json.Unmarshal(t.Payload(), &data); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.concilia.EnsureSearchCollections(ctx); err != nil {
		log.Printf("Failed to ensure collections exist: %v", err)
		return err
	}

	if err := b.concilia.IndexDocument(ctx, data.Collection, data.Payload); err != nil {
		log.Println("Error indexing data", err)
		return err
	}

	log.Println(" [*] Data indexed", data.Collection)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.ReconciliationQueue] = 3
	queues[cfg.Queue.SweepQueue] = 1
	queues[cfg.Queue.IndexQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 3,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *conciliaInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.ReconciliationQueue, b.processReconciliationRun)
	mux.HandleFunc(cfg.Queue.SweepQueue, b.processSweep)
	mux.HandleFunc(cfg.Queue.IndexQueue, b.indexData)
}

// initializeSweepScheduler registers the nightly orphan sweep on the
// configured cron spec.
func initializeSweepScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		nil,
	)

	task := asynq.NewTask(conf.Queue.SweepQueue, nil, asynq.Queue(conf.Queue.SweepQueue))
	if _, err := scheduler.Register(conf.Sweeper.CronSpec, task); err != nil {
		return nil, fmt.Errorf("error registering sweep schedule: %v", err)
	}

	return scheduler, nil
}

// workerCommands defines the "workers" command. The workers drain the
// reconciliation, sweep and index queues, and the embedded scheduler
// enqueues the nightly sweep.
func workerCommands(b *conciliaInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start concilia workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			scheduler, err := initializeSweepScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run sweep scheduler: %v", err)
				}
			}()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring", //  Optional: if you want to serve asynqmon under a sub-path.
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
