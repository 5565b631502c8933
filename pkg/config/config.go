// Package config loads the §6.4 environment variables into a typed
// struct with sensible defaults, the way the teacher's WorkerConfig
// fills in defaults for anything the caller didn't override.
package config

import (
	"os"
	"strconv"
)

// Config holds every environment-driven setting the dispatcher, storage
// layer, and effect dispatcher need at startup.
type Config struct {
	// RedisURL points RedisStorage at its broker. Empty means "use
	// GormStorage instead" — the caller decides which broker to build.
	RedisURL string

	// ModalURL/ModalToken and RayURL configure the two remote backends
	// ("modal", "ray") that cmd/server registers when their URL is set.
	ModalURL   string
	ModalToken string
	RayURL     string

	// Port is what cmd/server listens on.
	Port int

	// WorkerConcurrency and GPUWorkerConcurrency set the default/cpu and
	// gpu lane worker-pool sizes respectively (§4.9).
	WorkerConcurrency    int
	GPUWorkerConcurrency int

	// SlackWebhookURL/DiscordWebhookURL are the incoming-webhook URLs the
	// "notify" effect kind (§4.4) posts to for its slack/discord channels.
	SlackWebhookURL   string
	DiscordWebhookURL string
}

// Defaults mirror §4.9's lane concurrency defaults (5/5/2) and a
// conventional HTTP port.
const (
	DefaultPort                 = 8080
	DefaultWorkerConcurrency    = 5
	DefaultGPUWorkerConcurrency = 2
)

// Load reads the §6.4 environment variables, falling back to defaults
// for anything unset or unparseable.
func Load() Config {
	return Config{
		RedisURL:             os.Getenv("REDIS_URL"),
		ModalURL:             os.Getenv("MODAL_URL"),
		ModalToken:           os.Getenv("MODAL_TOKEN"),
		RayURL:               os.Getenv("RAY_URL"),
		Port:                 envInt("PORT", DefaultPort),
		WorkerConcurrency:    envInt("WORKER_CONCURRENCY", DefaultWorkerConcurrency),
		GPUWorkerConcurrency: envInt("GPU_WORKER_CONCURRENCY", DefaultGPUWorkerConcurrency),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhookURL:    os.Getenv("DISCORD_WEBHOOK_URL"),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
