package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sicalgate/internal/audit"
	"sicalgate/internal/bridge"
	"sicalgate/internal/config"
	"sicalgate/internal/db"
	"sicalgate/internal/domain"
	"sicalgate/internal/engine"
	"sicalgate/internal/migrate"
	"sicalgate/internal/ratelimit"
	"sicalgate/internal/repo"
	"sicalgate/internal/server"
	"sicalgate/internal/token"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Sicalgate CLI",
	Long: `Sicalgate guards operation entry into the legacy accounting application.
Every request runs a duplicate check against the operation history; creating
despite duplicates requires a short-lived confirmation token and passes a
global rate limiter before anything reaches the data-entry forms.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SICALGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statusCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Listen = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			e, closeFn, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SICALGATE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Security.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SICALGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Sicalgate API on %s%s (OpenAPI at %s/openapi.json)\n",
				cfg.Server.Listen, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Short: "Run or check operations"}
	op.AddCommand(operationRunCmd())
	op.AddCommand(operationCheckCmd())
	return op
}

func operationRunCmd() *cobra.Command {
	var file, policy, confirmToken string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an operation from a JSON descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDescriptor(file)
			if err != nil {
				return err
			}
			if policy != "" {
				d.DuplicatePolicy = domain.DuplicatePolicy(policy)
			}
			if confirmToken != "" {
				d.ConfirmationToken = confirmToken
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res := e.Execute(ctx, d)
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "descriptor file (JSON, '-' for stdin)")
	cmd.Flags().StringVar(&policy, "policy", "", "duplicate policy override")
	cmd.Flags().StringVar(&confirmToken, "confirmation-token", "", "token for force_create")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func operationCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run only the duplicate check for a descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDescriptor(file)
			if err != nil {
				return err
			}
			d.DuplicatePolicy = domain.PolicyCheckOnly
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res := e.Execute(ctx, d)
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "descriptor file (JSON, '-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect and sign configuration"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configSignCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := log.New(io.Discard, "", 0)
			secret := config.SecretKey(logger)
			policy := config.LoadRateLimitPolicy(
				filepath.Join(workspace, cfg.Security.RateLimitConfigPath), secret, logger)
			return printJSONOrTable(map[string]any{
				"config":            cfg,
				"database":          db.Path(workspace),
				"rate_limit_policy": policy,
			})
		},
	}
	return cmd
}

func configSignCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Produce a signed rate-limit config artifact",
		Long: `Signs a rate-limit policy with the key from SICALGATE_SECRET_KEY so the
service accepts it at startup. Without --in, the built-in default policy is
signed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := config.DefaultRateLimitPolicy()
			if in != "" {
				data, err := os.ReadFile(in)
				if err != nil {
					return err
				}
				policy = ratelimit.Policy{}
				if err := json.Unmarshal(data, &policy); err != nil {
					return fmt.Errorf("invalid policy json: %w", err)
				}
				if err := policy.Validate(); err != nil {
					return err
				}
			}
			secret := os.Getenv(config.SecretKeyEnv)
			if secret == "" {
				return fmt.Errorf("%s is required to sign", config.SecretKeyEnv)
			}
			artifact, err := config.SignRateLimitPolicy(policy, []byte(secret), time.Now())
			if err != nil {
				return err
			}
			if out == "" {
				out = "rate_limit_config.json"
			}
			if err := os.WriteFile(out, artifact, 0o644); err != nil {
				return err
			}
			fmt.Printf("signed rate-limit config written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "unsigned policy JSON (defaults to built-in policy)")
	cmd.Flags().StringVar(&out, "out", "", "output path")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rate-limit policy and history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.History.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"rate_limits": e.Limits.Usage(),
					"tokens":      e.Tokens.Stats(),
					"history":     stats,
				})
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Inspect operation history"}
	h.AddCommand(historyListCmd())
	h.AddCommand(historySearchCmd())
	h.AddCommand(historyStatsCmd())
	h.AddCommand(historyExportCmd())
	return h
}

func historyListCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, store repo.HistoryStore) error {
				rows, err := store.List(ctx, limit, status)
				if err != nil {
					return err
				}
				return printHistory(rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func historySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search history by task id, operation number or tercero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, store repo.HistoryStore) error {
				rows, err := store.Search(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printHistory(rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func historyStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, store repo.HistoryStore) error {
				stats, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func historyExportCmd() *cobra.Command {
	var out string
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export history rows to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, store repo.HistoryStore) error {
				rows, err := store.List(ctx, limit, "")
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("%d rows written to %s\n", len(rows), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "max rows")
	return cmd
}

// buildEngine assembles the full engine from workspace configuration. The
// returned close function releases the database handle.
func buildEngine(cfg *config.Config) (engine.Engine, func(), error) {
	logger := log.New(os.Stderr, "sicalgate ", log.LstdFlags)
	conn, err := openDB(cfg.Workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	closeFn := func() { conn.Close() }

	secret := config.SecretKey(logger)
	tokens := token.NewService(secret,
		time.Duration(cfg.Security.TokenLifetimeSeconds)*time.Second, logger)
	policy := config.LoadRateLimitPolicy(
		filepath.Join(cfg.Workspace, cfg.Security.RateLimitConfigPath), secret, logger)
	limits, err := ratelimit.New(policy, logger)
	if err != nil {
		closeFn()
		return engine.Engine{}, nil, err
	}
	store := &repo.HistoryStore{DB: conn}

	var submitter engine.Submitter
	if cfg.Agent.URL != "" {
		submitter = bridge.New(cfg.Agent.URL, time.Duration(cfg.Agent.TimeoutSeconds)*time.Second)
	} else {
		submitter = unconfiguredSubmitter{}
	}

	e := engine.New(tokens, limits, engine.HistorySearcher{Store: store}, submitter,
		audit.NewFileSink(filepath.Join(cfg.Workspace, cfg.Security.AuditLogPath)))
	e.History = store
	e.Logger = logger
	return e, closeFn, nil
}

// unconfiguredSubmitter fails cleanly when no agent URL is set; duplicate
// checks still work without one.
type unconfiguredSubmitter struct{}

func (unconfiguredSubmitter) Submit(ctx context.Context, d domain.OperationDescriptor) (engine.SubmitOutcome, error) {
	return engine.SubmitOutcome{}, errors.New("no automation agent configured (set agent.url in sicalgate.yml)")
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	e, closeFn, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func withHistory(ctx context.Context, fn func(context.Context, repo.HistoryStore) error) error {
	conn, err := openDB(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.HistoryStore{DB: conn})
}

func openDB(workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func readDescriptor(file string) (domain.OperationDescriptor, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return domain.OperationDescriptor{}, err
	}
	var d domain.OperationDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.OperationDescriptor{}, fmt.Errorf("invalid descriptor json: %w", err)
	}
	return d, nil
}

func printResult(res domain.OperationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"status", res.Status})
	if res.NumOperacion != "" {
		tw.AppendRow(table.Row{"num_operacion", res.NumOperacion})
	}
	if res.SimiliarRecords >= 0 {
		tw.AppendRow(table.Row{"similar_records", res.SimiliarRecords})
	}
	if res.ConfirmationToken != "" {
		tw.AppendRow(table.Row{"confirmation_token", res.ConfirmationToken})
		tw.AppendRow(table.Row{"token_expires_at", int64(res.TokenExpiresAtEpoch)})
	}
	if msg := res.ErrorString(); msg != "" {
		tw.AppendRow(table.Row{"error", msg})
	}
	tw.AppendRow(table.Row{"duration", res.Duration})
	tw.Render()
	if len(res.DuplicateDetails) > 0 {
		dt := table.NewWriter()
		dt.SetOutputMirror(os.Stdout)
		dt.AppendHeader(table.Row{"Num Operacion", "Tercero", "Fecha", "Importe", "Created"})
		for _, m := range res.DuplicateDetails {
			dt.AppendRow(table.Row{m.NumOperacion, m.Tercero, m.Fecha, m.Importe, m.CreatedAt})
		}
		dt.Render()
	}
	return nil
}

func printHistory(rows []repo.HistoryRecord) error {
	if viper.GetBool("json") {
		return printJSON(rows)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Tercero", "Fecha", "Amount", "Status", "Num Op", "Started"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.Tercero, r.Fecha, r.Amount, r.Status, r.NumOperacion, r.StartedAt})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
