package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/ledger"
	"gigline/internal/migrate"
	"gigline/internal/repo"
	"gigline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gig",
	Short: "Gigline CLI",
	Long: `Gigline is a gig marketplace with a blockchain ledger mirror.
Clients post gigs with a payment amount, workers accept them, and
completions are settled through an external contract CLI. The workspace
keeps its database under .gigline; run 'gig init' once, then 'gig serve'
for the HTTP API or the subcommands below for direct access.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("GIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func gigCmd() *cobra.Command {
	gig := &cobra.Command{Use: "gig", Short: "Manage gigs"}
	gig.AddCommand(gigPostCmd())
	gig.AddCommand(gigListCmd())
	gig.AddCommand(gigShowCmd())
	gig.AddCommand(gigAcceptCmd())
	gig.AddCommand(gigCompleteCmd())
	gig.AddCommand(gigMineCmd())
	return gig
}

func gigPostCmd() *cobra.Command {
	var title, desc, client, worker string
	var payment float64
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a gig",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateGig(ctx, engine.GigCreateOptions{
					Title:         title,
					Description:   desc,
					PaymentAmount: payment,
					ClientAddress: client,
					WorkerAddress: worker,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if res.ContractError != nil {
					fmt.Fprintln(os.Stderr, "warning: ledger mirror failed:", res.ContractError)
				}
				return printJSONOrTable(res.Gig)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "gig title")
	cmd.Flags().StringVar(&desc, "description", "", "gig description")
	cmd.Flags().Float64Var(&payment, "payment", 0, "payment amount")
	cmd.Flags().StringVar(&client, "client", "", "client wallet address")
	cmd.Flags().StringVar(&worker, "worker", "", "pre-named worker wallet address (gig still opens)")
	return cmd
}

func gigListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gigs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gigs, err := e.ListGigs(ctx, repo.GigFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gigs)
				}
				renderGigTable(gigs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, in-progress, completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func renderGigTable(gigs []domain.Gig) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Payment", "Status", "Ledger", "Client", "Worker"})
	for _, g := range gigs {
		worker := ""
		if g.WorkerAddress != nil {
			worker = *g.WorkerAddress
		}
		tw.AppendRow(table.Row{g.ID, g.Title, g.PaymentAmount, g.Status, g.LedgerStatus, g.ClientAddress, worker})
	}
	tw.Render()
}

func gigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <gig-id>",
		Short: "Show a gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.GetGig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func gigAcceptCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "accept <gig-id>",
		Short: "Accept an open gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if worker == "" {
				return fmt.Errorf("--worker required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.AcceptGig(ctx, args[0], worker, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker wallet address")
	return cmd
}

func gigCompleteCmd() *cobra.Command {
	var caller, source string
	cmd := &cobra.Command{
		Use:   "complete <gig-id>",
		Short: "Complete an in-progress gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CompleteGig(ctx, engine.GigCompleteOptions{
					GigID:        args[0],
					Caller:       caller,
					SourceSecret: source,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "caller wallet address (defaults to the gig's client)")
	cmd.Flags().StringVar(&source, "source", "", "signing identity override for the ledger call")
	return cmd
}

func gigMineCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Gigs posted or accepted by an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mine, err := e.ListMine(ctx, address)
				if err != nil {
					return err
				}
				return printJSONOrTable(mine)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "wallet address")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "User profiles"}
	user.AddCommand(userShowCmd())
	user.AddCommand(userReputationCmd())
	return user
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <address>",
		Short: "Show a user, registering it on first sight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetOrCreateUser(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userReputationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reputation <address>",
		Short: "Reputation score for a registered address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Reputation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"address": args[0], "reputation": rep})
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Ledger contract access"}
	cmd.AddCommand(ledgerInvokeCmd())
	return cmd
}

func ledgerInvokeCmd() *cobra.Command {
	var kvArgs []string
	cmd := &cobra.Command{
		Use:   "invoke <function>",
		Short: "Invoke a contract function directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			fnArgs := make(map[string]string, len(kvArgs))
			for _, kv := range kvArgs {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --arg %q, want key=value", kv)
				}
				fnArgs[key] = value
			}
			inv := invokerFromConfig(cfg)
			res, err := inv.Invoke(cmd.Context(), ledger.Invocation{Function: args[0], Args: fnArgs})
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().StringArrayVar(&kvArgs, "arg", nil, "function argument as key=value (repeatable)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv("GIGLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			e := engine.New(conn, cfg, invokerFromConfig(cfg))
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gigline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func invokerFromConfig(cfg *config.Config) *ledger.CLIInvoker {
	return ledger.NewCLIInvoker(
		cfg.Ledger.Command,
		cfg.Ledger.ContractID,
		cfg.Ledger.Network,
		cfg.Ledger.Source,
		time.Duration(cfg.Ledger.TimeoutSeconds)*time.Second,
	)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, invokerFromConfig(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
