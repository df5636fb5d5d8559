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
	"context"
	"encoding/json"

	"github.com/typesense/typesense-go/typesense/api"
)

// Search performs a search on the specified collection using the provided
// query parameters.
func (s *Concilia) Search(collection string, query *api.SearchCollectionParams) (interface{}, error) {
	return s.search.Search(context.Background(), collection, query)
}

// EnsureSearchCollections creates any missing Typesense collections on
// startup.
func (s *Concilia) EnsureSearchCollections(ctx context.Context) error {
	return s.search.EnsureCollectionsExist(ctx)
}

// IndexDocument upserts one document into the search index. The workers call
// this when they drain the index queue.
func (s *Concilia) IndexDocument(ctx context.Context, collection string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	return s.search.Index(ctx, collection, data)
}
