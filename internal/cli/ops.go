package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var forceCheck bool

var checkCmd = &cobra.Command{
	Use:   "check [user_id] [provider]",
	Short: "Validate one connection and print its health",
	Args:  cobra.ExactArgs(2),
	Run:   runCheck,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [user_id] [provider]",
	Short: "Refresh one connection's token now",
	Args:  cobra.ExactArgs(2),
	Run:   runRefresh,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one proactive renewal scan",
	Run:   runScan,
}

func init() {
	checkCmd.Flags().BoolVar(&forceCheck, "force", false, "bypass the health cache")
	rootCmd.AddCommand(checkCmd, refreshCmd, scanCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func shutdown(app interface{ Stop(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
}

func runCheck(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := commandContext()
	defer cancel()

	app := mustApp(ctx, cfg)
	defer shutdown(app)

	printJSON(app.Service.GetHealth(ctx, args[0], args[1], forceCheck))
}

func runRefresh(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := commandContext()
	defer cancel()

	app := mustApp(ctx, cfg)
	defer shutdown(app)

	res := app.Service.RefreshNow(ctx, args[0], args[1])
	printJSON(res)
	if !res.OK() {
		shutdown(app)
		os.Exit(2)
	}
}

func runScan(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := commandContext()
	defer cancel()

	app := mustApp(ctx, cfg)
	defer shutdown(app)

	sum, err := app.Service.ScanAndScheduleProactiveRefresh(ctx)
	if err != nil {
		slog.Error("Renewal scan failed", "error", err)
		shutdown(app)
		os.Exit(1)
	}
	printJSON(sum)
}
