package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auto-nat/config"
	"auto-nat/internal/admin"
	"auto-nat/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// 版本信息，通过编译时注入
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "auto-nat",
		Short: "网关设备端口映射管理服务",
		Long:  "发现局域网内的NAT网关设备(UPnP IGD / NAT-PMP)，管理其端口映射并在设备离线或进程退出时尽力清理。",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "日志级别 (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "启动管理服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("auto-nat %s\n", version)
			fmt.Printf("提交: %s\n", commit)
			fmt.Printf("构建时间: %s\n", date)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// 设置日志级别
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("无效的日志级别: %s", logLevel)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// 使用结构化日志格式
	if level == logrus.DebugLevel {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	// 加载配置文件
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithError(err).Error("加载配置文件失败")
		return err
	}

	// 配置日志文件输出
	if cfg.Log.File != "" {
		logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.WithError(err).Error("无法创建日志文件")
			return err
		}

		// 同时输出到控制台和文件
		mw := io.MultiWriter(os.Stdout, logFile)
		logger.SetOutput(mw)
	}

	// 创建并启动管理服务
	manager := service.NewManager(cfg, logger)
	if err := manager.Start(); err != nil {
		logger.WithError(err).Error("启动网关设备管理服务失败")
		return err
	}

	// 创建并启动HTTP管理服务
	adminServer := admin.NewAdminServer(cfg, logger, manager)
	if err := adminServer.Start(); err != nil {
		logger.WithError(err).Error("启动HTTP管理服务失败")
		manager.Stop()
		return err
	}

	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"log_level":   logLevel,
		"admin_port":  cfg.Admin.Port,
	}).Info("网关设备管理服务已启动")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("收到中断信号，开始优雅关闭")

	// 停止服务，设备上登记的映射会被尽力释放
	adminServer.Stop()
	manager.Stop()

	logger.Info("网关设备管理服务已停止")
	return nil
}
