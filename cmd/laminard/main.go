package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/api"
	"github.com/teotikalki/laminar/internal/config"
	"github.com/teotikalki/laminar/internal/dao"
	"github.com/teotikalki/laminar/internal/logging"
	"github.com/teotikalki/laminar/internal/metrics"
	"github.com/teotikalki/laminar/internal/scheduler"
	"github.com/teotikalki/laminar/internal/watch"
)

var Version = "dev"

func main() {
	st, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.Init(st.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	logging.Info(ctx, "laminard starting",
		zap.String("version", Version), zap.String("home", st.Home))

	for _, dir := range []string{
		filepath.Join(st.Home, "cfg", "jobs"),
		filepath.Join(st.Home, "cfg", "nodes"),
		filepath.Join(st.Home, "run"),
		filepath.Join(st.Home, "archive"),
	} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	db, err := dao.Open(filepath.Join(st.Home, "laminar.sqlite"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	buildDao := dao.NewBuildDao(db)

	var eng *scheduler.Engine
	met := metrics.New(func() metrics.Stats {
		if eng == nil {
			return metrics.Stats{}
		}
		total, busy, queued := eng.Stats()
		return metrics.Stats{ExecutorsTotal: total, ExecutorsBusy: busy, Queued: queued}
	})

	eng, err = scheduler.New(st, buildDao, met)
	if err != nil {
		log.Fatalf("construct engine: %v", err)
	}

	watcher, err := watch.New([]string{
		filepath.Join(st.Home, "cfg", "nodes"),
		filepath.Join(st.Home, "cfg", "jobs"),
	}, eng.NotifyConfigChanged)
	if err != nil {
		log.Fatalf("config watch: %v", err)
	}
	defer watcher.Close()

	httpLn, err := api.Listen(st.BindHTTP)
	if err != nil {
		log.Fatalf("bind http %s: %v", st.BindHTTP, err)
	}
	rpcLn, err := api.Listen(st.BindRPC)
	if err != nil {
		log.Fatalf("bind rpc %s: %v", st.BindRPC, err)
	}

	webSrv := &http.Server{Handler: api.NewRouter(eng, buildDao, met)}
	rpcSrv := &http.Server{Handler: api.NewRPCRouter(eng)}

	go func() {
		logging.Info(ctx, "http listening", zap.String("bind", st.BindHTTP))
		if err := webSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	go func() {
		logging.Info(ctx, "rpc listening", zap.String("bind", st.BindRPC))
		if err := rpcSrv.Serve(rpcLn); err != nil && err != http.ErrServerClosed {
			log.Fatalf("rpc server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), st.GracefulTimeout)
	defer cancel()
	_ = webSrv.Shutdown(shutdownCtx)
	_ = rpcSrv.Shutdown(shutdownCtx)

	eng.AbortAll()
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(st.GracefulTimeout):
		logging.Warn(ctx, "timed out waiting for active runs")
	}
	logging.Info(ctx, "laminard exited")
}
