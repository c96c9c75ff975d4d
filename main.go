package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/api"
	"tasksync/broadcast"
	"tasksync/domain"
	"tasksync/engine"
	"tasksync/localstore"
	"tasksync/queue"
	"tasksync/remote"
	"tasksync/stream"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		log.Fatal("missing DATA_DIR")
	}
	remoteBase := os.Getenv("REMOTE_BASE_URL")
	if remoteBase == "" {
		log.Fatal("missing REMOTE_BASE_URL")
	}
	remoteToken := os.Getenv("REMOTE_TOKEN")
	eventsURL := os.Getenv("REMOTE_EVENTS_URL")
	if eventsURL == "" {
		eventsURL = strings.TrimRight(remoteBase, "/") + "/api/events"
	}

	startOffline := false
	if v := os.Getenv("START_OFFLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Fatalf("invalid START_OFFLINE: %v", err)
		}
		startOffline = b
	}

	store, err := localstore.Open(dataDir, logger)
	if err != nil {
		log.Fatalf("localstore: %v", err)
	}
	defer store.Close()

	conn := domain.NewConnectivity(startOffline)
	tokenSource := func() string { return remoteToken }
	remoteClient := remote.NewClient(remoteBase, tokenSource, nil, logger)

	eng := engine.New(store, remoteClient, conn, logger)
	q, err := queue.Open(queueConfig(dataDir), remoteClient, eng, conn, logger)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	eng.AttachQueue(q)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Load(ctx); err != nil {
		log.Fatalf("load: %v", err)
	}
	q.Start()
	defer q.Close()

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	bcast := broadcast.New(rc, broadcast.ChannelForStore(store.Path()), logger)
	store.SetAfterWrite(func(kind domain.Kind, id string, change domain.ChangeType) {
		bcast.Broadcast(context.Background(), kind, id, change)
	})
	go bcast.Listen(ctx, eng.OnCrossTabHint)

	sc := stream.New(stream.Config{
		URL:         eventsURL,
		Token:       tokenSource,
		ResyncQuiet: envDuration("RESYNC_QUIET", 2*time.Second),
	}, eng, conn, logger)
	go sc.Run(ctx)
	defer sc.Stop()

	if !conn.Offline() {
		go func() {
			if err := eng.Resync(ctx); err != nil {
				logger.WithError(err).Warn("startup resync failed")
			}
		}()
	}

	var auth *api.Auth
	if strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")) == "rs256" {
		jwtAudience := os.Getenv("AUTH_AUDIENCE")
		authDomain := os.Getenv("AUTH_DOMAIN")
		if jwtAudience == "" || authDomain == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+authDomain+"/")
	} else {
		auth = api.NewAuth(nil, "", "")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, eng, auth, sc, logger)

	listenAddr := "127.0.0.1:8321"
	if val, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		listenAddr = val
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()
	if err := e.Start(listenAddr); err != nil {
		logger.WithError(err).Info("server stopped")
	}
}

func queueConfig(dataDir string) queue.Config {
	cfg := queue.Config{Dir: filepath.Join(dataDir, "queue")}
	if v := os.Getenv("QUEUE_SEGMENT_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			log.Fatalf("invalid QUEUE_SEGMENT_BYTES: %v", err)
		}
		cfg.SegmentBytes = n
	}
	cfg.RetryInitial = envDuration("RETRY_INITIAL", 0)
	cfg.RetryMax = envDuration("RETRY_MAX", 0)
	if v := os.Getenv("RETRY_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			log.Fatalf("invalid RETRY_CAP: %v", err)
		}
		cfg.RetryCap = n
	}
	return cfg
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}
