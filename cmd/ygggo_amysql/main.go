package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	gge "github.com/yggai/ygggo_env"

	amysql "github.com/yggai/ygggo_amysql"
)

var (
	rootCmd = &cobra.Command{
		Use:   "ygggo_amysql",
		Short: "async MySQL client",
		Long: fmt.Sprintf(`ygggo_amysql (%s)

Runs statements through the asynchronous MySQL client. Flags can also be set
with YGGGO_AMYSQL_* environment variables or a .env file.`, amysql.Version()),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ygggo_amysql %s\n", amysql.Version())
		},
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Open a connection and report how long it took",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd.Context(), func(ctx context.Context, conn *amysql.Connection) error {
				fmt.Printf("connected to %s\n", conn.Key())
				return nil
			})
		},
	}

	queryCmd = &cobra.Command{
		Use:   "query <statement>",
		Short: "Run one statement and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd.Context(), func(ctx context.Context, conn *amysql.Connection) error {
				res, err := conn.Query(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			})
		},
	}

	multiCmd = &cobra.Command{
		Use:   "multi <statement>...",
		Short: "Run statements in order and print every result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd.Context(), func(ctx context.Context, conn *amysql.Connection) error {
				res, err := conn.MultiQuery(ctx, args)
				if err != nil {
					return err
				}
				for _, r := range res.Results {
					printResult(r)
				}
				return nil
			})
		},
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Connect, run the test query and print the health status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient()
			if err != nil {
				return err
			}
			defer client.Shutdown()
			hc := amysql.DefaultHealthCheckConfig()
			hc.QueryTimeout = cfg.DefaultOptions.QueryTimeout
			status, err := client.HealthCheckWithRetry(contextOf(cmd), connectionKey(), hc)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("%s is unhealthy", status.Key)
			}
			return nil
		},
	}

	benchCmd = &cobra.Command{
		Use:   "bench <statement>...",
		Short: "Run statements from concurrent workers and report latency percentiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient()
			if err != nil {
				return err
			}
			defer client.Shutdown()

			bc := amysql.DefaultBenchmarkConfig()
			bc.Queries = args
			bc.Duration = viper.GetDuration("duration")
			bc.Concurrency = viper.GetInt("concurrency")
			bc.Iterations = viper.GetInt("iterations")
			bc.ReportInterval = viper.GetDuration("report-interval")

			slow := amysql.NewSlowQueryRecorder(viper.GetDuration("slow-threshold"), 1000)
			client.SetDBLogger(slow)

			runner := amysql.NewBenchmarkRunner(client, connectionKey(), bc)
			runner.Progress = func(s amysql.BenchmarkSnapshot) {
				fmt.Printf("progress: %d ops, %.2f ops/sec, %d errors\n", s.Operations, s.Throughput, s.Errors)
			}
			res, err := runner.Run(contextOf(cmd))
			if err != nil {
				return err
			}
			fmt.Println(res)
			for _, p := range slow.Patterns(5) {
				fmt.Printf("slow: %dx avg=%s max=%s %s\n", p.Count, p.AverageDuration, p.MaxDuration, p.NormalizedQuery)
			}
			return nil
		},
	}

	streamCmd = &cobra.Command{
		Use:   "stream <statement>...",
		Short: "Run statements in order and print rows as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(cmd.Context(), func(ctx context.Context, conn *amysql.Connection) error {
				stream, err := amysql.StreamMultiQuery(ctx, conn, args, map[string]string{"source": "cli"})
				if err != nil {
					return err
				}
				defer func() {
					_ = stream.Close()
					if c := stream.ReleaseConnection(); c != nil {
						_ = c.Close()
					}
				}()
				return stream.Rows(ctx, func(idx int, columns []string, row amysql.Row) error {
					fmt.Printf("%d\t%s\n", idx, formatRow(row))
					return nil
				})
			})
		},
	}
)

func init() {
	addConnectionFlags(rootCmd.PersistentFlags())
	benchCmd.Flags().Duration("duration", 10*time.Second, "length of the measured run")
	benchCmd.Flags().Int("concurrency", 10, "number of workers, each with its own connection")
	benchCmd.Flags().Int("iterations", 0, "stop after this many operations (0 = run for --duration)")
	benchCmd.Flags().Duration("report-interval", 0, "print progress at this interval")
	benchCmd.Flags().Duration("slow-threshold", 100*time.Millisecond, "record operations slower than this")
	rootCmd.AddCommand(versionCmd, pingCmd, queryCmd, multiCmd, streamCmd, healthCmd, benchCmd)
}

func addConnectionFlags(f *pflag.FlagSet) {
	f.String("driver", "mysql", "database/sql driver name")
	f.String("dsn", "", "go-sql-driver DSN; overrides host, port, user, password and database")
	f.String("host", "127.0.0.1", "server host")
	f.Int("port", 3306, "server port")
	f.String("user", "root", "user name")
	f.String("password", "", "password")
	f.String("database", "", "default database")
	f.Duration("connect-timeout", 5*time.Second, "timeout of one connect attempt")
	f.Duration("query-timeout", 30*time.Second, "timeout of one query operation")
	f.Int("connect-attempts", 1, "connect attempts before giving up")
	f.Bool("log", false, "log every operation as JSON on stdout")
}

func initConfig() {
	gge.LoadEnv()
	viper.SetEnvPrefix(amysql.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func connectionKey() amysql.ConnectionKey {
	if dsn := viper.GetString("dsn"); dsn != "" {
		if key, _, err := amysql.KeyFromDSN(dsn); err == nil {
			return key
		}
	}
	return amysql.NewConnectionKey(viper.GetString("host"), viper.GetInt("port"),
		viper.GetString("database"), viper.GetString("user"), viper.GetString("password"))
}

func newClient() (*amysql.Client, amysql.ClientConfig, error) {
	cfg := amysql.ClientConfig{
		Driver: viper.GetString("driver"),
		DefaultOptions: amysql.ConnectionOptions{
			ConnectTimeout:  viper.GetDuration("connect-timeout"),
			QueryTimeout:    viper.GetDuration("query-timeout"),
			ConnectAttempts: viper.GetInt("connect-attempts"),
		},
		ConnectRetry: amysql.RetryPolicy{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: true},
		Logging:      amysql.LoggingConfig{Enabled: viper.GetBool("log")},
	}
	if dsn := viper.GetString("dsn"); dsn != "" {
		if _, opts, err := amysql.KeyFromDSN(dsn); err == nil {
			cfg.DefaultOptions.Params = opts.Params
		} else {
			return nil, cfg, err
		}
	}
	client, err := amysql.NewClient(cfg, amysql.NewDriverHandler(cfg.Driver))
	return client, cfg, err
}

func withConnection(ctx context.Context, fn func(ctx context.Context, conn *amysql.Connection) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, cfg, err := newClient()
	if err != nil {
		return err
	}
	defer client.Shutdown()

	key := connectionKey()
	conn, err := client.Connect(ctx, key.Host, key.Port, key.Database, key.User, key.Password, cfg.DefaultOptions)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn)
}

func printResult(res *amysql.QueryResult) {
	if res.Columns == nil {
		fmt.Printf("affected rows: %d, last insert id: %d\n", res.AffectedRows, res.LastInsertID)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		fmt.Fprintln(w, formatRow(row))
	}
	_ = w.Flush()
	fmt.Printf("(%d rows)\n", res.NumRows())
}

func formatRow(row amysql.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\t")
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
