package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: must be a positive integer", key)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", key, v)
	}
	return d
}

func envBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return b
}

type config struct {
	ListenAddr      string
	StorageConn     string
	Organizations   string
	Properties      string
	Clients         string
	Activities      string
	EventsQueue     string
	RedisConn       string
	RelayPrefix     string
	DeduperTTL      time.Duration
	DashboardTTL    time.Duration
	ComputeTimeout  time.Duration
	RefreshDebounce time.Duration
	RefreshMaxWait  time.Duration
	Heartbeat       time.Duration
	SubscriberQueue int
	NotifyStripes   int
	CacheSweep      bool
}

func loadConfig() config {
	return config{
		ListenAddr:      ":" + envString("LISTEN_PORT", "8080"),
		StorageConn:     os.Getenv("STORAGE_CONNECTION_STRING"),
		Organizations:   envString("ORGANIZATIONS_TABLE", "Organizations"),
		Properties:      envString("PROPERTIES_TABLE", "Properties"),
		Clients:         envString("CLIENTS_TABLE", "Clients"),
		Activities:      envString("ACTIVITIES_TABLE", "Activities"),
		EventsQueue:     os.Getenv("DOMAIN_EVENTS_QUEUE"),
		RedisConn:       os.Getenv("REDIS_CONNECTION_STRING"),
		RelayPrefix:     envString("RELAY_CHANNEL_PREFIX", "oikion:changes"),
		DeduperTTL:      envDur("DEDUPER_TTL", 24*time.Hour),
		DashboardTTL:    envDur("DASHBOARD_TTL", time.Minute),
		ComputeTimeout:  envDur("COMPUTE_TIMEOUT", 5*time.Second),
		RefreshDebounce: envDur("REFRESH_DEBOUNCE", 250*time.Millisecond),
		RefreshMaxWait:  envDur("REFRESH_MAX_WAIT", time.Second),
		Heartbeat:       envDur("STREAM_HEARTBEAT", 25*time.Second),
		SubscriberQueue: envInt("SUBSCRIBER_QUEUE", 64),
		NotifyStripes:   envInt("NOTIFY_LOCK_STRIPES", 64),
		CacheSweep:      envBool("CACHE_SWEEP"),
	}
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
