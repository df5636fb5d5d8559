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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "concilia.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestInitConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"project_name": "concilia-test",
		"data_source": {"dns": "postgres://localhost:5432/concilia"},
		"redis": {"dns": "localhost:6379"}
	}`)

	require.NoError(t, InitConfig(path))

	cnf, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "concilia-test", cnf.ProjectName)
	assert.Equal(t, "default", cnf.TenantID)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, 0.10, cnf.Matching.AmountTolerance)
	assert.Equal(t, 7, cnf.Matching.DateWindowDays)
	assert.Equal(t, 0.02, cnf.Matching.SplitTolerance)
	assert.Equal(t, 4, cnf.Matching.SplitMaxInvoices)
	assert.Equal(t, 20, cnf.Embedding.TopK)
	assert.Equal(t, 0.85, cnf.Embedding.SimilarityFloor)
	assert.Equal(t, 0.85, cnf.Arbiter.ConfidenceFloor)
	assert.Equal(t, 1, cnf.Sweeper.MinAgeDays)
}

func TestRateLimitBurstDefaultsFromRPS(t *testing.T) {
	path := writeConfigFile(t, `{
		"data_source": {"dns": "postgres://localhost:5432/concilia"},
		"redis": {"dns": "localhost:6379"},
		"rate_limit": {"requests_per_second": 10}
	}`)

	require.NoError(t, InitConfig(path))

	cnf, err := Fetch()
	require.NoError(t, err)
	require.NotNil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, *ptr.Float64(10), *cnf.RateLimit.RequestsPerSecond)
	require.NotNil(t, cnf.RateLimit.Burst)
	assert.Equal(t, *ptr.Int(20), *cnf.RateLimit.Burst)
}

func TestInitConfigRequiresDataSource(t *testing.T) {
	path := writeConfigFile(t, `{"redis": {"dns": "localhost:6379"}}`)
	assert.Error(t, InitConfig(path))
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"data_source": {"dns": "postgres://localhost:5432/concilia"},
		"redis": {"dns": "localhost:6379"},
		"matching": {"date_window_days": 3}
	}`)

	t.Setenv("CONCILIA_MATCHING_DATE_WINDOW_DAYS", "14")
	require.NoError(t, InitConfig(path))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, 14, cnf.Matching.DateWindowDays)
}
