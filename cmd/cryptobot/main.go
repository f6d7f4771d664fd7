package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crypto-bot/internal/app"
	"crypto-bot/internal/config"
	"crypto-bot/internal/log"
	"crypto-bot/internal/monitor"
	"crypto-bot/internal/security"
	"crypto-bot/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cryptobot",
		Short:         "加密货币交易风控系统",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	root.AddCommand(
		newRunCmd(&configPath),
		newCheckCmd(&configPath),
		newEventsCmd(&configPath),
		newResumeCmd(&configPath),
		newEncryptSecretCmd(&configPath),
	)

	return root
}

// newRunCmd 启动风控巡检主循环。
func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动风控巡检循环",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}

			logger, err := log.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer func(logger *zap.Logger) {
				_ = logger.Sync()
			}(logger)

			sqliteStore, err := store.NewSQLite(cfg.Database)
			if err != nil {
				logger.Error("初始化数据库失败", zap.Error(err))
				return err
			}
			defer func() {
				if closeErr := sqliteStore.Close(); closeErr != nil {
					logger.Warn("关闭数据库失败", zap.Error(closeErr))
				}
			}()

			riskApp := app.New(cfg, logger, sqliteStore)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := riskApp.Run(ctx); err != nil {
				logger.Error("系统运行异常", zap.Error(err))
				return err
			}

			logger.Info("系统已安全退出")
			return nil
		},
	}
}

// newCheckCmd 仅加载并校验配置，不连接交易所。
func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "校验配置文件",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "配置校验通过: exchange=%s markets=%s\n",
				cfg.Exchange.Name, strings.Join(cfg.Exchange.Markets, ","))
			return nil
		},
	}
}

// newEventsCmd 直接读取事件库，检索风控审计记录。
func newEventsCmd(configPath *string) *cobra.Command {
	var (
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "查询风控审计事件",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			sqliteStore, err := store.NewSQLite(cfg.Database)
			if err != nil {
				return fmt.Errorf("打开数据库失败: %w", err)
			}
			defer func() { _ = sqliteStore.Close() }()

			svc, err := monitor.NewService(sqliteStore, zap.NewNop())
			if err != nil {
				return err
			}

			events, err := svc.ListEvents(cmd.Context(), monitor.EventType(strings.ToLower(eventType)), limit)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(events)
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "事件类型过滤(risk_evaluation/dispatch/position/market_context/error)")
	cmd.Flags().IntVar(&limit, "limit", 50, "返回条数上限")

	return cmd
}

// newResumeCmd 通过运行中实例的监控接口解除交易封禁。
func newResumeCmd(configPath *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "解除交易封禁",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Monitor.Enabled {
				return fmt.Errorf("monitor.enabled 为 false，无法远程解除封禁")
			}

			endpoint := fmt.Sprintf("http://127.0.0.1:%d/resume?reason=%s",
				cfg.Monitor.Port, url.QueryEscape(reason))

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("请求监控接口失败: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusNoContent {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("解除封禁失败: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "交易封禁已解除")
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "手动恢复", "恢复原因，写入审计日志")

	return cmd
}

// newEncryptSecretCmd 使用主密钥加密凭证，输出可写入配置文件的密文。
func newEncryptSecretCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret",
		Short: "加密交易所凭证",
		Long:  "从标准输入读取明文凭证，使用主密钥环境变量加密后输出 enc:v1: 密文。",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			masterKey := os.Getenv(cfg.Security.MasterKeyEnv)
			if masterKey == "" {
				return fmt.Errorf("环境变量 %s 未设置", cfg.Security.MasterKeyEnv)
			}

			codec, err := security.NewCodec(masterKey)
			if err != nil {
				return err
			}

			reader := bufio.NewReader(cmd.InOrStdin())
			plaintext, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("读取明文失败: %w", err)
			}
			plaintext = strings.TrimRight(plaintext, "\r\n")
			if plaintext == "" {
				return fmt.Errorf("明文不能为空")
			}

			ciphertext, err := codec.EncryptString(plaintext)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
			return nil
		},
	}
}
