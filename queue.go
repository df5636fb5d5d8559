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

package concilia

import (
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/concilia-hq/concilia/config"
	redis_db "github.com/concilia-hq/concilia/internal/redis-db"
)

// Queue hands work to the asynq workers: reconciliation runs, orphan sweeps
// and search indexing.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// ReconciliationTaskPayload is the payload for a queued reconciliation run.
type ReconciliationTaskPayload struct {
	RunID       string `json:"run_id"`
	TriggeredBy string `json:"triggered_by"`
	IsDryRun    bool   `json:"is_dry_run"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueReconciliationRun enqueues a reconciliation pass. The task id is the
// run id so duplicate triggers collapse into one task.
func (q *Queue) queueReconciliationRun(payload ReconciliationTaskPayload) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(payload.RunID),
		asynq.Queue(cfg.Queue.ReconciliationQueue),
	}
	task := asynq.NewTask(cfg.Queue.ReconciliationQueue, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued reconciliation run: %+v", payload.RunID)
	return nil
}

// queueIndexData enqueues a document for search indexing. Indexing is
// best-effort; a missing Typesense DNS disables it silently.
func (q *Queue) queueIndexData(id string, collection string, data interface{}) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if cfg.TypeSense.Dns == "" {
		return nil
	}

	payload := map[string]interface{}{
		"collection": collection,
		"payload":    data,
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(cfg.Queue.IndexQueue)}
	task := asynq.NewTask(cfg.Queue.IndexQueue, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued index data: %+v", id)
	return nil
}

// queueSweep enqueues an orphan sweep cycle.
func (q *Queue) queueSweep() error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	task := asynq.NewTask(cfg.Queue.SweepQueue, nil, asynq.Queue(cfg.Queue.SweepQueue))
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued sweep: %+v", info.ID)
	return nil
}
