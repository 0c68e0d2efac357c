package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"stridenotes/services/activitycache/internal/api"
	"stridenotes/services/activitycache/internal/archive"
	"stridenotes/services/activitycache/internal/config"
	"stridenotes/services/activitycache/internal/engine"
	"stridenotes/services/activitycache/internal/session"
	"stridenotes/services/activitycache/internal/store"
	"stridenotes/services/activitycache/internal/strava"
	"stridenotes/services/activitycache/internal/weekly"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db := openStore(ctx, cfg)
	defer db.Close()

	sessionCache := openSessionCache(cfg)
	defer sessionCache.Close()

	payloadArchive := openArchive(ctx, cfg)
	defer payloadArchive.Close()

	remoteLimiter := rate.NewLimiter(rate.Limit(cfg.RemoteRequestsPerSec), cfg.RemoteBurst)
	client := strava.NewClient(cfg.StravaBaseURL, tokenSource(ctx, cfg), remoteLimiter)
	if !client.Authenticated() {
		log.Printf("no remote credential configured, serving cached data only")
	}

	eng := engine.New(db, sessionCache, client, payloadArchive)

	pace := rate.NewLimiter(rate.Every(time.Duration(cfg.WeeklyPaceMillis)*time.Millisecond), 1)
	aggregator := weekly.New(db, eng, client, pace)

	handler := api.NewHandler(
		db,
		eng,
		aggregator,
		payloadArchive,
		cfg.CORSAllowedOrigins,
		cfg.APIKey,
		cfg.ActivityRetentionDays,
		cfg.WeeklyMaxWeeks,
		cfg.RateLimitRequestsPerSec,
		cfg.RateLimitBurst,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMaintenanceLoops(
		shutdownCtx,
		db,
		payloadArchive,
		time.Duration(cfg.EvictIntervalMinutes)*time.Minute,
		cfg.ActivityRetentionDays,
	)

	go func() {
		log.Printf("activity cache listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openStore prefers Postgres; when it cannot be reached the service degrades
// to a memory-only cache rather than refusing to start.
func openStore(ctx context.Context, cfg config.Config) store.Store {
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err == nil {
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if pingErr := db.Health(ctxPing); pingErr == nil {
			return db
		} else {
			err = pingErr
			db.Close()
		}
	}

	log.Printf("persistent store unavailable (%v), continuing memory-only", err)
	return store.NewMemory()
}

func openSessionCache(cfg config.Config) session.Cache {
	ttl := time.Duration(cfg.SessionCacheTTLMinutes) * time.Minute
	cache, err := session.NewRedisCache(cfg.RedisAddr, ttl)
	if err != nil {
		log.Printf("redis session cache unavailable (%v), continuing in-process", err)
		return session.NewMemoryCache()
	}
	return cache
}

func openArchive(ctx context.Context, cfg config.Config) archive.Store {
	if cfg.S3Bucket == "" {
		return archive.NewNoopStore()
	}

	s3Store, err := archive.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		log.Printf("payload archive unavailable (%v), continuing without raw payloads", err)
		return archive.NewNoopStore()
	}
	return s3Store
}

// tokenSource builds the bearer credential: the refresh-token flow when the
// OAuth client is configured, a static token when only an access token is
// given, nil when neither is.
func tokenSource(ctx context.Context, cfg config.Config) oauth2.TokenSource {
	if cfg.StravaRefreshToken != "" && cfg.StravaClientID != "" && cfg.StravaClientSecret != "" {
		oauthConfig := oauth2.Config{
			ClientID:     cfg.StravaClientID,
			ClientSecret: cfg.StravaClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://www.strava.com/oauth/authorize",
				TokenURL: "https://www.strava.com/oauth/token",
			},
		}
		seed := &oauth2.Token{
			AccessToken:  cfg.StravaAccessToken,
			RefreshToken: cfg.StravaRefreshToken,
			Expiry:       time.Now().Add(-time.Minute),
		}
		return oauthConfig.TokenSource(ctx, seed)
	}

	if cfg.StravaAccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StravaAccessToken})
	}
	return nil
}
