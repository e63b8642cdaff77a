package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

var (
	statusUser   string
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored health records",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "only show this user")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show this consolidated status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 100, "maximum number of rows")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Warn("database.url is not set, memory storage only holds this process's records")
	}

	ctx, cancel := commandContext()
	defer cancel()

	app := mustApp(ctx, cfg)
	defer shutdown(app)

	records, err := app.Service.ListHealthRecords(ctx, storage.HealthFilter{
		UserID: statusUser,
		Status: domain.Status(statusFilter),
		Limit:  statusLimit,
	})
	if err != nil {
		slog.Error("Failed to query health records", "error", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "USER\tPROVIDER\tSTATUS\tFAILURES\tLAST ERROR\tRECONNECT\tUPDATED")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			r.UserID,
			r.Provider,
			r.ConsolidatedStatus,
			r.ConsecutiveFailures,
			r.LastErrorKind,
			r.RequiresReconnection,
			r.UpdatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}
