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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/database"
	"github.com/concilia-hq/concilia/internal/adjudicate"
	"github.com/concilia-hq/concilia/internal/cache"
	"github.com/concilia-hq/concilia/internal/embedding"
	"github.com/concilia-hq/concilia/internal/hooks"
	redis_db "github.com/concilia-hq/concilia/internal/redis-db"
	"github.com/concilia-hq/concilia/internal/search"
)

// Concilia is the reconciliation engine: it owns the record store, the task
// queue, the search index and the two external matching services.
type Concilia struct {
	queue      *Queue
	search     *search.TypesenseClient
	redis      redis.UniversalClient
	datasource database.IDataSource
	embedder   *embedding.Client
	arbiter    *adjudicate.Client
	Hooks      hooks.HookManager
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewConcilia initializes the engine with the provided datasource. It
// connects Redis, the queue and the search client from the loaded
// configuration.
func NewConcilia(db database.IDataSource) (*Concilia, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	embeddingCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	newSearch := search.NewTypesenseClient(configuration.TypeSenseKey, []string{configuration.TypeSense.Dns})

	newConcilia := &Concilia{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		search:     newSearch,
		embedder:   embedding.NewClient(configuration.Embedding, embeddingCache),
		arbiter:    adjudicate.NewClient(configuration.Arbiter),
		Hooks:      hooks.NewHookManager(redisClient.Client()),
	}
	return newConcilia, nil
}
