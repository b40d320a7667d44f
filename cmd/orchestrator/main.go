package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/apihandler"
	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/configstore"
	"github.com/hewenyu/fleet-orchestrator/internal/dnsdiscovery"
	"github.com/hewenyu/fleet-orchestrator/internal/metrics"
	"github.com/hewenyu/fleet-orchestrator/internal/orchestrator"
	"github.com/hewenyu/fleet-orchestrator/internal/provision"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	// 选择配置存储
	var store configstore.Store
	if cfg.Etcd.Enabled {
		etcdStore, err := configstore.NewEtcdStore(configstore.EtcdOptions{
			Endpoints:      cfg.Etcd.Endpoints,
			Username:       cfg.Etcd.Username,
			Password:       cfg.Etcd.Password,
			Namespace:      cfg.Etcd.Namespace,
			DialTimeout:    cfg.Etcd.DialTimeout,
			RequestTimeout: cfg.Etcd.RequestTimeout,
		})
		if err != nil {
			logger.Fatal("连接etcd失败", zap.Error(err))
		}
		store = etcdStore
		logger.Info("使用etcd配置存储", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	} else {
		store = configstore.NewMemoryStore()
		logger.Info("使用内存配置存储")
	}

	// 本地模拟供给器兼作健康探测器与指标来源
	prov := provision.NewLocalProvisioner(logger, 3*time.Second)
	feed := metrics.NewSimulatedFeed()

	// 组装编排器
	orch, err := orchestrator.New(cfg, logger, prov, prov, feed, store)
	if err != nil {
		logger.Fatal("组装编排器失败", zap.Error(err))
	}
	if err := orch.Start(); err != nil {
		logger.Fatal("启动编排器失败", zap.Error(err))
	}

	// 启动管理API
	handler := apihandler.NewAPIHandler(cfg, logger, orch)
	if err := handler.Start(); err != nil {
		logger.Fatal("启动管理API失败", zap.Error(err))
	}

	// 按配置启动DNS服务发现
	var dnsServer *dnsdiscovery.Server
	if cfg.DNS.Enabled {
		dnsServer = dnsdiscovery.NewServer(orch.Resolver(), logger, dnsdiscovery.Options{
			ListenAddress: cfg.DNS.ListenAddress,
			Port:          cfg.DNS.Port,
			Domain:        cfg.DNS.Domain,
			TTL:           cfg.DNS.TTL,
		})
		dnsServer.Start()
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到退出信号，开始优雅关闭")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if dnsServer != nil {
		dnsServer.Stop()
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭管理API失败", zap.Error(err))
	}
	orch.Stop()
}
