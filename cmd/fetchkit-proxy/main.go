// Command fetchkit-proxy is a small caching proxy that forwards GET requests
// through the fetchkit client, demonstrating the resilience pipeline and the
// caching coordinator against a real upstream. Metrics are exposed on
// /metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mseverin/fetchkit/pkg/cache"
	"github.com/mseverin/fetchkit/pkg/client"
	"github.com/mseverin/fetchkit/pkg/logging"
	"github.com/mseverin/fetchkit/pkg/resilience"
)

func main() {
	upstream := getEnv("UPSTREAM_URL", "")
	port := getEnv("PORT", "8080")
	redisURL := getEnv("REDIS_URL", "")
	cacheFile := getEnv("CACHE_FILE", "")

	if upstream == "" {
		log.Fatal("UPSTREAM_URL is required")
	}

	logging.Init(logging.Options{Level: getEnv("LOG_LEVEL", "info")})

	// Cache providers: in-memory LRU always, redis and sqlite when
	// configured.
	providers := []cache.Provider{
		cache.NewRistrettoProvider("memory", cache.RistrettoConfig{MaxEntries: 8192}),
	}
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("Connected to Redis at %s", redisURL)
		providers = append(providers, cache.NewRedisProvider("redis", redisClient))
	}
	var sqliteProvider *cache.SQLiteProvider
	if cacheFile != "" {
		sqliteProvider = cache.NewSQLiteProvider("disk", cacheFile)
		providers = append(providers, sqliteProvider)
	}

	registry := cache.NewRegistry()
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			log.Fatalf("Failed to register cache provider: %v", err)
		}
	}

	cfg := client.DefaultConfig(upstream)
	cfg.Pipeline = resilience.Config{
		TimeoutRequest: 15 * time.Second,
		TimeoutTotal:   60 * time.Second,
		Retry:          &resilience.RetryConfig{MaxRetries: 2, InitialDelay: 128 * time.Millisecond},
		Bulkhead:       &resilience.BulkheadConfig{MaxParallel: 32, MaxQueued: 64},
		Breaker:        &resilience.BreakerConfig{OpenAfter: 5, HalfOpenAfter: 30 * time.Second},
	}
	cfg.CacheProviders = providers

	proxyClient, err := client.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer func() {
		proxyClient.Close(5 * time.Second)
		if sqliteProvider != nil {
			sqliteProvider.Close()
		}
	}()

	http.HandleFunc("/health", healthHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/proxy/", proxyHandler(proxyClient))

	addr := ":" + port
	log.Printf("Starting caching proxy on %s (upstream %s)", addr, upstream)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func proxyHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := strings.TrimPrefix(r.URL.Path, "/proxy")
		if r.URL.RawQuery != "" {
			endpoint += "?" + r.URL.RawQuery
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		res, err := c.GetJSON(ctx, endpoint, &client.RequestOptions{
			UseCache: &client.CacheOptions{Key: endpoint},
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if res.FromCache {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.WriteHeader(res.Status)
		if _, err := w.Write(res.Value); err != nil {
			log.Printf("Failed to write response: %v", err)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
