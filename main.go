package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ppchat/global"
	"ppchat/global/config"
	"ppchat/logger"
	"ppchat/module/room"
	"ppchat/service/auth"
	"ppchat/service/chat"
	"ppchat/service/metrics"
	"ppchat/tools/safe"
	"ppchat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "ppchat.Realtime"

func main() {
	cfgPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "yaml config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("[Boot] load config", zap.Error(err))
		os.Exit(1)
	}
	global.ConfigLogger(cfg)
	defer logger.Sync()
	global.ConfigIds(cfg)
	instanceID := global.ConfigInstanceID(cfg)
	logger.Info("[Boot] starting", zap.String("instance", instanceID), zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	res := &global.Resources{}

	res.Redis, err = global.ConfigRedis(ctx, cfg)
	global.MustStart("redis", err)
	res.Mongo, err = global.ConfigMgo(ctx, cfg)
	global.MustStart("mongo", err)
	msgStore, roomStore, err := global.ConfigStores(ctx, res.Mongo)
	global.MustStart("stores", err)
	sessions, pg, err := global.ConfigSessions(ctx, cfg)
	global.MustStart("sessions", err)
	res.Postgres = pg
	res.Archiver, err = global.ConfigKafka(cfg)
	global.MustStart("kafka", err)
	res.Bus = global.ConfigBus(cfg, instanceID, res.Redis, m)

	verifier := auth.NewJWTVerifier(security.Options{
		Secret: []byte(cfg.Auth.Secret),
		Alg:    cfg.Auth.Alg,
		Issuer: cfg.Auth.Issuer,
	}, sessions)

	deps := chat.Deps{
		Store:     msgStore,
		Rooms:     room.NewService(roomStore, cfg.Limits.MaxRoomMembers),
		Verifier:  verifier,
		Bus:       res.Bus,
		Directory: global.ConfigDirectory(cfg, res.Redis),
		Sessions:  sessions,
		Metrics:   m,
	}
	if res.Archiver != nil {
		deps.Archive = res.Archiver
	}
	srv := chat.NewServer(chat.Options{
		InstanceID:     instanceID,
		NodeID:         cfg.NodeID,
		Limits:         cfg.Limits,
		Rate:           cfg.Rate,
		Backpressure:   cfg.Backpressure,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, deps)

	// 总线 handler 已在 NewServer 里注册，之后才能 Start
	if res.Bus != nil {
		global.MustStart("bus", res.Bus.Start(ctx))
	}

	grpcSrv, hs := startHealth(cfg.Server.GrpcAddr)
	safe.Go("health-watch", func() { watchHealth(ctx, hs, srv, res) })

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(global.ConfigMiddleware().Handlers()...)
	srv.Mount(r, cfg.Server.AdminToken)
	if cfg.Server.AdminToken == "" {
		logger.Warnf("[Boot] admin token not set, %s/internal routes disabled", cfg.Server.Addr)
	}

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	safe.Go("http", func() {
		logger.Infof("[HTTP] listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[HTTP] serve failed", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("[Boot] shutting down")
	hs.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[Boot] realtime shutdown", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[HTTP] shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	res.Close(shutdownCtx)
	logger.Info("[Boot] bye")
}

func startHealth(addr string) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", addr)
	global.MustStart("grpc listen", err)
	safe.Go("grpc", func() {
		logger.Info("[gRPC] listening", zap.String("addr", addr))
		if err := gs.Serve(lis); err != nil {
			logger.Error("[gRPC] serve failed", zap.Error(err))
		}
	})
	return gs, hs
}

// watchHealth 总线配置了但不可用时报 NOT_SERVING，让负载均衡摘流
func watchHealth(ctx context.Context, hs *health.Server, srv *chat.Server, res *global.Resources) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	last := healthpb.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := healthpb.HealthCheckResponse_SERVING
		if res.Bus != nil && !res.Bus.Enabled() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if st != last {
			logger.Warn("[Health] status changed", zap.String("status", st.String()),
				zap.String("instance", srv.InstanceID()), zap.Int("connections", srv.Registry().Count()))
			hs.SetServingStatus(healthService, st)
			last = st
		}
	}
}
