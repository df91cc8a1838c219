package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/clock"
	"attendguard/internal/cloudinary"
	"attendguard/internal/config"
	"attendguard/internal/directory"
	"attendguard/internal/face"
	"attendguard/internal/faceclient"
	"attendguard/internal/geofence"
	"attendguard/internal/httpapi"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/proxy"
	"attendguard/internal/queue"
	"attendguard/internal/session"
	"attendguard/internal/store"
)

// app is the assembled service graph.
type app struct {
	handler *httpapi.Handler
	fence   *geofence.Holder
	queue   queue.Queue
	audit   attendance.AuditSink
	db      *store.DB
	redis   *store.Redis
	closers []func() error
}

func (a *app) close(log *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}
}

type stores struct {
	sessions  session.Store
	templates face.TemplateStore
	perms     proxy.Store
	records   interface {
		attendance.Store
		attendance.AuditSink
	}
	fence geofence.Store
	dir   directory.Directory
}

func build(ctx context.Context, cfg config.App, log *zap.Logger) (*app, error) {
	a := &app{}
	clk := clock.Real{}

	if cfg.StorageBackend == "postgres" || cfg.QueueBackend == "redis" {
		a.redis = store.NewRedis(cfg.RedisAddr)
		a.closers = append(a.closers, a.redis.Close)
	}

	var st stores
	switch cfg.StorageBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return a, fmt.Errorf("connect postgres: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if err := store.Migrate(ctx, db.Client); err != nil {
			return a, fmt.Errorf("migrate: %w", err)
		}
		dir := directory.NewRepository(db.Client)
		if cfg.DirectoryFile != "" {
			users, err := directory.LoadFile(cfg.DirectoryFile)
			if err != nil {
				return a, err
			}
			for _, u := range users {
				if err := dir.Upsert(ctx, u); err != nil {
					return a, fmt.Errorf("seed user %s: %w", u.ID, err)
				}
			}
			log.Info("directory seeded", zap.Int("users", len(users)))
		}
		st = stores{
			sessions:  session.NewRepository(db.Client),
			templates: face.NewRepository(db.Client),
			perms:     proxy.NewRepository(db.Client),
			records:   attendance.NewRepository(db.Client),
			fence:     geofence.NewRepository(db.Client),
			dir:       dir,
		}
	default:
		dir := directory.NewMemory()
		if cfg.DirectoryFile != "" {
			users, err := directory.LoadFile(cfg.DirectoryFile)
			if err != nil {
				return a, err
			}
			for _, u := range users {
				dir.Put(u)
			}
			log.Info("directory seeded", zap.Int("users", len(users)))
		}
		st = stores{
			sessions:  session.NewMemory(),
			templates: face.NewMemory(),
			perms:     proxy.NewMemory(),
			records:   attendance.NewMemory(),
			dir:       dir,
		}
	}
	a.audit = st.records

	fence := geofence.NewHolder(st.fence, clk, log.Named("geofence"))
	a.fence = fence
	if err := fence.Load(ctx); err != nil {
		return a, fmt.Errorf("load geofence: %w", err)
	}
	if _, err := fence.Snapshot(); errors.Is(err, geofence.ErrNotConfigured) {
		if cfg.GeofenceFile == "" {
			log.Warn("geofence not configured; check-ins fail until an admin sets one")
		} else {
			f, err := geofence.LoadFile(cfg.GeofenceFile)
			if err != nil {
				return a, err
			}
			if _, err := fence.Update(ctx, f.Center, f.RadiusMeters); err != nil {
				return a, fmt.Errorf("seed geofence: %w", err)
			}
		}
	}

	matcher := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := matcher.Health(hctx); err != nil {
			log.Warn("face service not available", zap.String("url", cfg.FaceServiceURL), zap.Error(err))
		}
		cancel()
	}
	faceOpts := []face.Option{
		face.WithThreshold(cfg.FaceThreshold),
		face.WithTimeout(cfg.FaceTimeout),
		face.WithClock(clk),
		face.WithLogger(log.Named("face")),
	}
	if cfg.StorageBackend == "postgres" && a.redis != nil {
		faceOpts = append(faceOpts, face.WithCache(face.NewRedisCache(a.redis.Client, cfg.FaceCacheTTL, log.Named("face-cache"))))
	}
	faces, err := face.NewService(st.templates, matcher, faceOpts...)
	if err != nil {
		return a, err
	}

	q, closeQueue, err := queue.Open(queue.Options{
		Backend:      cfg.QueueBackend,
		MemorySize:   1024,
		Redis:        redisClient(a.redis),
		RedisKey:     cfg.QueueKey,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}, log.Named("queue"))
	if err != nil {
		return a, err
	}
	a.queue = q
	a.closers = append(a.closers, closeQueue)

	sessions := session.NewService(st.sessions, clk, log.Named("session"))
	qr := session.NewQRCodec(cfg.JWTSigningKey, cfg.JWTIssuer)
	gate := proxy.NewGate(st.perms, st.dir, clk, log.Named("proxy"))
	coord := attendance.NewCoordinator(attendance.Deps{
		Sessions:  sessions,
		QR:        qr,
		Fence:     fence,
		Faces:     faces,
		Proxies:   gate,
		Store:     st.records,
		Publisher: q,
		Clock:     clk,
		Log:       log.Named("admission"),
	}, attendance.Options{
		CheckOutRequiresFace: cfg.CheckOutFace,
		CommitTimeout:        5 * time.Second,
		PublishTimeout:       time.Second,
	})

	var uploader httpapi.Uploader
	if cfg.CloudinaryEnabled() {
		uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	}

	a.handler = httpapi.New(httpapi.Deps{
		Sessions:    sessions,
		QR:          qr,
		Fence:       fence,
		Faces:       faces,
		Proxies:     gate,
		Coordinator: coord,
		Directory:   st.dir,
		Uploader:    uploader,
		Log:         log.Named("http"),
	}, httpapi.Options{
		JWTIssuer:     cfg.JWTIssuer,
		JWTSigningKey: cfg.JWTSigningKey,
		AccessTTL:     cfg.AccessTTL,
		SessionTTL:    cfg.SessionTTL,
		DevTokens:     !cfg.Production(),
		Limiter:       httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware(auth.SubjectFrom),
	})
	return a, nil
}

func redisClient(r *store.Redis) *redis.Client {
	if r == nil {
		return nil
	}
	return r.Client
}
