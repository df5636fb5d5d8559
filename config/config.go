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
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CONCILIA_SERVER_SSL"`
	SecretKey string `json:"secret_key" envconfig:"CONCILIA_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CONCILIA_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CONCILIA_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CONCILIA_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CONCILIA_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"CONCILIA_REDIS_DNS"`
}

type TypeSenseConfig struct {
	Dns string `json:"dns" envconfig:"CONCILIA_TYPESENSE_DNS"`
}

// MatchingConfig carries the tolerance knobs of the layered pipeline. The
// defaults mirror observed traffic: 10% amount drift, a 7 day window, split
// groups of at most 4 invoices within 2% of the transaction amount.
type MatchingConfig struct {
	AmountTolerance   float64 `json:"amount_tolerance" envconfig:"CONCILIA_MATCHING_AMOUNT_TOLERANCE"`
	DateWindowDays    int     `json:"date_window_days" envconfig:"CONCILIA_MATCHING_DATE_WINDOW_DAYS"`
	SplitTolerance    float64 `json:"split_tolerance" envconfig:"CONCILIA_MATCHING_SPLIT_TOLERANCE"`
	SplitMaxInvoices  int     `json:"split_max_invoices" envconfig:"CONCILIA_MATCHING_SPLIT_MAX_INVOICES"`
	VendorNameDrift   float64 `json:"vendor_name_drift" envconfig:"CONCILIA_MATCHING_VENDOR_NAME_DRIFT"`
	WorkerConcurrency int     `json:"worker_concurrency" envconfig:"CONCILIA_MATCHING_WORKER_CONCURRENCY"`
}

// EmbeddingConfig configures the external embedding service consumed by the
// vector candidate finder.
type EmbeddingConfig struct {
	URL             string  `json:"url" envconfig:"CONCILIA_EMBEDDING_URL"`
	APIKey          string  `json:"api_key" envconfig:"CONCILIA_EMBEDDING_API_KEY"`
	Model           string  `json:"model" envconfig:"CONCILIA_EMBEDDING_MODEL"`
	TimeoutSec      int     `json:"timeout_sec" envconfig:"CONCILIA_EMBEDDING_TIMEOUT_SEC"`
	TopK            int     `json:"top_k" envconfig:"CONCILIA_EMBEDDING_TOP_K"`
	SimilarityFloor float64 `json:"similarity_floor" envconfig:"CONCILIA_EMBEDDING_SIMILARITY_FLOOR"`
	CacheTTLHours   int     `json:"cache_ttl_hours" envconfig:"CONCILIA_EMBEDDING_CACHE_TTL_HOURS"`
}

// ArbiterConfig configures the LLM adjudication service and its per-run
// budget. Candidates beyond the budget are deferred to the next pass.
type ArbiterConfig struct {
	URL             string  `json:"url" envconfig:"CONCILIA_ARBITER_URL"`
	APIKey          string  `json:"api_key" envconfig:"CONCILIA_ARBITER_API_KEY"`
	Model           string  `json:"model" envconfig:"CONCILIA_ARBITER_MODEL"`
	TimeoutSec      int     `json:"timeout_sec" envconfig:"CONCILIA_ARBITER_TIMEOUT_SEC"`
	ConfidenceFloor float64 `json:"confidence_floor" envconfig:"CONCILIA_ARBITER_CONFIDENCE_FLOOR"`
	MaxCallsPerRun  int     `json:"max_calls_per_run" envconfig:"CONCILIA_ARBITER_MAX_CALLS_PER_RUN"`
	CostCeilingUSD  float64 `json:"cost_ceiling_usd" envconfig:"CONCILIA_ARBITER_COST_CEILING_USD"`
	CostPerCallUSD  float64 `json:"cost_per_call_usd" envconfig:"CONCILIA_ARBITER_COST_PER_CALL_USD"`
}

// SweeperConfig configures the scheduled orphan sweep.
type SweeperConfig struct {
	MinAgeDays int    `json:"min_age_days" envconfig:"CONCILIA_SWEEPER_MIN_AGE_DAYS"`
	CronSpec   string `json:"cron_spec" envconfig:"CONCILIA_SWEEPER_CRON_SPEC"`
	BatchSize  int    `json:"batch_size" envconfig:"CONCILIA_SWEEPER_BATCH_SIZE"`
}

// QueueConfig names the asynq queues the workers consume.
type QueueConfig struct {
	ReconciliationQueue string `json:"reconciliation_queue" envconfig:"CONCILIA_QUEUE_RECONCILIATION"`
	SweepQueue          string `json:"sweep_queue" envconfig:"CONCILIA_QUEUE_SWEEP"`
	IndexQueue          string `json:"index_queue" envconfig:"CONCILIA_QUEUE_INDEX"`
	MonitoringPort      string `json:"monitoring_port" envconfig:"CONCILIA_QUEUE_MONITORING_PORT"`
}

func (q *QueueConfig) applyDefaults() {
	if q.ReconciliationQueue == "" {
		q.ReconciliationQueue = "new:reconciliation"
	}
	if q.SweepQueue == "" {
		q.SweepQueue = "new:sweep"
	}
	if q.IndexQueue == "" {
		q.IndexQueue = "new:index"
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5403"
	}
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CONCILIA_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CONCILIA_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CONCILIA_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName        string           `json:"project_name" envconfig:"CONCILIA_PROJECT_NAME"`
	TenantID           string           `json:"tenant_id" envconfig:"CONCILIA_TENANT_ID"`
	EnableTelemetry    bool             `json:"enable_telemetry" envconfig:"CONCILIA_ENABLE_TELEMETRY"`
	BackupDir          string           `json:"backup_dir" envconfig:"CONCILIA_BACKUP_DIR"`
	AwsAccessKeyId     string           `json:"aws_access_key_id"`
	S3Endpoint         string           `json:"s3_endpoint"`
	AwsSecretAccessKey string           `json:"aws_secret_access_key"`
	S3BucketName       string           `json:"s3_bucket_name"`
	S3Region           string           `json:"s3_region"`
	Server             ServerConfig     `json:"server"`
	DataSource         DataSourceConfig `json:"data_source"`
	Redis              RedisConfig      `json:"redis"`
	TypeSense          TypeSenseConfig  `json:"typesense"`
	TypeSenseKey       string           `json:"type_sense_key"`
	Matching           MatchingConfig   `json:"matching"`
	Embedding          EmbeddingConfig  `json:"embedding"`
	Arbiter            ArbiterConfig    `json:"arbiter"`
	Sweeper            SweeperConfig    `json:"sweeper"`
	Queue              QueueConfig      `json:"queue"`
	Notification       Notification     `json:"notification"`
	RateLimit          RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	cnf.EnableTelemetry = true
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("concilia", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called concilia.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Concilia Server"
	}

	if cnf.TenantID == "" {
		cnf.TenantID = "default"
	}

	if cnf.TypeSense.Dns == "" {
		cnf.TypeSense.Dns = "http://typesense:8108"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Matching.applyDefaults()
	cnf.Embedding.applyDefaults()
	cnf.Arbiter.applyDefaults()
	cnf.Sweeper.applyDefaults()
	cnf.Queue.applyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (m *MatchingConfig) applyDefaults() {
	if m.AmountTolerance <= 0 {
		m.AmountTolerance = 0.10
	}
	if m.DateWindowDays <= 0 {
		m.DateWindowDays = 7
	}
	if m.SplitTolerance <= 0 {
		m.SplitTolerance = 0.02
	}
	if m.SplitMaxInvoices <= 0 || m.SplitMaxInvoices > 4 {
		m.SplitMaxInvoices = 4
	}
	if m.VendorNameDrift <= 0 {
		m.VendorNameDrift = 20
	}
	if m.WorkerConcurrency <= 0 {
		m.WorkerConcurrency = 4
	}
}

func (e *EmbeddingConfig) applyDefaults() {
	if e.TimeoutSec <= 0 {
		e.TimeoutSec = 10
	}
	if e.TopK <= 0 {
		e.TopK = 20
	}
	if e.SimilarityFloor <= 0 {
		e.SimilarityFloor = 0.85
	}
	if e.CacheTTLHours <= 0 {
		e.CacheTTLHours = 24 * 30
	}
}

func (a *ArbiterConfig) applyDefaults() {
	if a.TimeoutSec <= 0 {
		a.TimeoutSec = 30
	}
	if a.ConfidenceFloor <= 0 {
		a.ConfidenceFloor = 0.85
	}
	if a.MaxCallsPerRun <= 0 {
		a.MaxCallsPerRun = 200
	}
	if a.CostCeilingUSD <= 0 {
		a.CostCeilingUSD = 5.0
	}
	if a.CostPerCallUSD <= 0 {
		a.CostPerCallUSD = 0.01
	}
}

func (s *SweeperConfig) applyDefaults() {
	if s.MinAgeDays <= 0 {
		s.MinAgeDays = 1
	}
	if s.CronSpec == "" {
		s.CronSpec = "0 3 * * *"
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Matching.applyDefaults()
	mockConfig.Embedding.applyDefaults()
	mockConfig.Arbiter.applyDefaults()
	mockConfig.Sweeper.applyDefaults()
	mockConfig.Queue.applyDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
