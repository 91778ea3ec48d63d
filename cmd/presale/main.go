package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"presale/internal/app"
	"presale/internal/config"
	perrors "presale/internal/errors"
	"presale/internal/logging"
	"presale/internal/progress"
	"presale/pkg/models"
)

var (
	configFile string
	verbose    bool
	strict     bool
	txLimit    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "presale",
		Short:        "预售合约命令行工具",
		Long:         `查看预售状态，通过已配置的钱包端点认购、领取代币或申请退款`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "查看预售状态",
		RunE:  showStatus,
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "持续跟踪预售状态，直到收到停机信号",
		RunE:  watch,
	}

	eligibilityCmd := &cobra.Command{
		Use:   "eligibility <address>",
		Short: "查看地址的认购额、可领取代币与退款资格",
		Args:  cobra.ExactArgs(1),
		RunE:  showEligibility,
	}

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "连接钱包并显示会话",
		RunE:  connect,
	}

	switchCmd := &cobra.Command{
		Use:   "switch-chain",
		Short: "把钱包切换到目标链，不存在时先添加",
		RunE:  switchChain,
	}

	contributeCmd := &cobra.Command{
		Use:   "contribute <amount>",
		Short: "用原生代币认购",
		Args:  cobra.ExactArgs(1),
		RunE:  contribute,
	}
	contributeCmd.Flags().BoolVar(&strict, "strict", false, "预售状态与限额检查不通过时拒绝发送")

	claimCmd := &cobra.Command{
		Use:   "claim [address]",
		Short: "领取代币，默认使用当前钱包地址",
		Args:  cobra.MaximumNArgs(1),
		RunE:  claim,
	}

	withdrawCmd := &cobra.Command{
		Use:   "withdraw [address]",
		Short: "申请退款，默认使用当前钱包地址",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withdraw,
	}

	// 快照缓存子命令
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "管理本地快照缓存",
	}
	cacheShowCmd := &cobra.Command{
		Use:   "show",
		Short: "查看缓存统计与最近的交易记录",
		RunE:  showCache,
	}
	cacheShowCmd.Flags().IntVar(&txLimit, "limit", 10, "显示的交易记录条数")
	cacheResetCmd := &cobra.Command{
		Use:   "reset",
		Short: "清空缓存的快照与交易记录",
		RunE:  resetCache,
	}
	cacheCmd.AddCommand(cacheShowCmd, cacheResetCmd)

	rootCmd.AddCommand(statusCmd, watchCmd, eligibilityCmd, connectCmd, switchCmd,
		contributeCmd, claimCmd, withdrawCmd, cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", perrors.UserMessage(err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

// setup 组装组件，调用方负责 Close
func setup(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger, app.Options{StrictValidation: strict})
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printSnapshot(snap models.PresaleSnapshot) {
	if !snap.Ready() {
		fmt.Println("预售信息尚未加载")
		if snap.Error != "" {
			fmt.Printf("错误: %s\n", snap.Error)
		}
		return
	}

	cfg, counters := snap.Config, snap.Counters
	fmt.Printf("状态: %s (#%d, 更新于 %s)\n", snap.Status, snap.Sequence, snap.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("进度: %s%% (%s / %s)\n", snap.Progress().StringFixed(2), counters.TokensSold, cfg.HardCap)
	fmt.Printf("已募集: %s, 软顶: %s (已达成: %v)\n", counters.TotalRaised, cfg.SoftCap, counters.SoftCapReached)
	fmt.Printf("价格: %s, 单笔限额: %s - %s\n", cfg.TokenPrice, cfg.MinContribution, cfg.MaxContribution)

	remaining, phase := models.Countdown(cfg, time.Now())
	switch phase {
	case models.PhaseUntilStart:
		fmt.Printf("距开始: %s\n", remaining.Round(time.Second))
	case models.PhaseUntilEnd:
		fmt.Printf("距结束: %s\n", remaining.Round(time.Second))
	default:
		fmt.Println("预售时间已结束")
	}
	if snap.Error != "" {
		fmt.Printf("最近一次刷新失败: %s\n", snap.Error)
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.ForceRefresh(ctx); err != nil {
		a.Logger.Warnf("刷新预售状态失败: %v", err)
	}
	printSnapshot(a.Store.Snapshot())
	return nil
}

func watch(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}

	snapshots := make(chan models.PresaleSnapshot, 16)
	sub := a.Store.Subscribe(snapshots)
	defer sub.Unsubscribe()

	a.Shutdown.Start()
	a.Run()

	var lastSeq uint64
	for {
		select {
		case snap := <-snapshots:
			if snap.Loading || snap.Sequence <= lastSeq {
				continue
			}
			lastSeq = snap.Sequence
			printSnapshot(snap)
			fmt.Println()
		case <-a.Shutdown.Done():
			return a.Shutdown.Wait()
		}
	}
}

func showEligibility(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	address := args[0]
	if err := a.Validator.ValidateAddress(address); err != nil {
		return err
	}

	eligibility, err := a.Writer.Eligibility(ctx, address)
	if err != nil {
		return err
	}
	allocation, err := a.Reader.GetUserTokenAllocation(ctx, address)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"eligibility": eligibility,
		"allocation":  allocation,
	})
}

// connected 组装组件并连接钱包
func connected(ctx context.Context) (*app.App, models.WalletSession, error) {
	a, err := setup(ctx)
	if err != nil {
		return nil, models.WalletSession{}, err
	}

	session, err := a.Session.Connect(ctx)
	if err != nil {
		a.Close()
		return nil, models.WalletSession{}, err
	}
	return a, session, nil
}

func connect(cmd *cobra.Command, args []string) error {
	a, session, err := connected(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if !session.IsTargetChain {
		fmt.Printf("当前网络 %s 不是目标链 %s，可执行 switch-chain 切换\n", session.ChainID, a.Config.Chain.ChainID)
	}
	return printJSON(session)
}

func switchChain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, _, err := connected(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Session.SwitchToTargetChain(ctx); err != nil {
		return err
	}
	return printJSON(a.Session.Snapshot())
}

func contribute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, _, err := connected(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.ForceRefresh(ctx); err != nil {
		a.Logger.Warnf("刷新预售状态失败: %v", err)
	}

	result := a.Validator.ValidateContribution(args[0], a.Store.Snapshot())
	for _, warning := range result.Warnings {
		fmt.Printf("警告: %s\n", warning)
	}
	if !result.Valid {
		return result.FirstError()
	}
	if result.EstimateTokens.IsPositive() {
		fmt.Printf("预计获得代币: %s\n", result.EstimateTokens)
	}

	record, err := a.Writer.Contribute(ctx, result.Amount)
	return printTx(record, err)
}

func claim(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, session, err := connected(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	address, err := targetAddress(a, session, args)
	if err != nil {
		return err
	}
	record, err := a.Writer.ClaimTokens(ctx, address)
	return printTx(record, err)
}

func withdraw(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, session, err := connected(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	address, err := targetAddress(a, session, args)
	if err != nil {
		return err
	}
	record, err := a.Writer.WithdrawContribution(ctx, address)
	return printTx(record, err)
}

func targetAddress(a *app.App, session models.WalletSession, args []string) (string, error) {
	if len(args) == 0 {
		return session.Address, nil
	}
	if err := a.Validator.ValidateAddress(args[0]); err != nil {
		return "", err
	}
	return args[0], nil
}

// printTx 失败的交易也会留下记录，先输出记录再返回错误
func printTx(record *models.TxRecord, err error) error {
	if record != nil {
		if perr := printJSON(record); perr != nil {
			return perr
		}
	}
	return err
}

func openCache() (*progress.Manager, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return progress.NewManager(cfg.Store.CachePath, logger)
}

func showCache(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	fmt.Printf("缓存文件: %s\n", cache.GetDBPath())
	if err := printJSON(cache.GetStats()); err != nil {
		return err
	}

	if snap, err := cache.LoadSnapshot(); err == nil && snap != nil {
		fmt.Println("缓存的快照:")
		printSnapshot(*snap)
	}

	records, err := cache.RecentTransactions(txLimit)
	if err != nil {
		return fmt.Errorf("读取交易记录失败: %w", err)
	}
	fmt.Printf("最近 %d 条交易记录:\n", len(records))
	for _, r := range records {
		fmt.Printf("  %s %-10s %-8s %s %s\n", r.Timestamp.Format(time.RFC3339), r.Operation, r.Status, r.From, r.TxHash)
	}
	return nil
}

func resetCache(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	if err := cache.Reset(); err != nil {
		return fmt.Errorf("重置缓存失败: %w", err)
	}
	fmt.Println("缓存已清空")
	return nil
}
