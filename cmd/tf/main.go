package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"testforge/internal/app"
	"testforge/internal/config"
	"testforge/internal/domain"
	"testforge/internal/engine"
	"testforge/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "testforge CLI",
	Long: `testforge drafts QA test cases from requirements with a language model.
- Sources: free text, Jira issues, Azure DevOps work items or a UI screenshot.
- Categories: each configured category (functional, ui, ux, compatibility...) is one model call tagged "TEST TYPE: <name>".
- Artifacts: every run writes the raw text and a formatted .xlsx sheet under output.dir.
- Shares: the normalized records are stored under a url_key; test case status is tracked per title.
- Workspace: testforge.yml plus the .testforge state directory holding the database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TESTFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage testforge.yml",
		Long:  "Config holds the model settings, output directories, test categories and tracker endpoints. Secrets come from TESTFORGE_* environment variables only.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default testforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"path": path})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate testforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List configured test categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Categories)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Prefix", "Count", "Focus"})
			for _, name := range cfg.CategoryNames() {
				c := cfg.Categories[name]
				tw.AppendRow(table.Row{name, c.Prefix, c.Count, c.Focus})
			}
			tw.Render()
			return nil
		},
	}
}

func generateCmd() *cobra.Command {
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate test cases",
		Long:  "Each selected category is one model call. Categories default to every configured category.",
	}
	gen.PersistentFlags().StringSlice("category", nil, "category name (repeatable)")
	gen.AddCommand(generateTextCmd())
	gen.AddCommand(generateIssuesCmd("jira", "Generate from Jira issues"))
	gen.AddCommand(generateIssuesCmd("azure", "Generate from Azure DevOps work items"))
	gen.AddCommand(generateImageCmd())
	return gen
}

func categoriesFlag(cmd *cobra.Command, e engine.Engine) []string {
	cats, _ := cmd.Flags().GetStringSlice("category")
	if len(cats) == 0 && e.Config != nil {
		return e.Config.CategoryNames()
	}
	return cats
}

func generateTextCmd() *cobra.Command {
	var title, description, file string
	cmd := &cobra.Command{
		Use:   "text",
		Short: "Generate from a requirement description",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}
				description = string(data)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.GenerateText(ctx, engine.TextRequest{
					Title:       title,
					Description: description,
					Categories:  categoriesFlag(cmd, a.Engine),
					ActorID:     viper.GetString("actor-id"),
				}, nil)
				if err != nil {
					return err
				}
				return printRuns(engine.Batch{Runs: []engine.Run{run}})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "requirement title")
	cmd.Flags().StringVar(&description, "description", "", "requirement description")
	cmd.Flags().StringVar(&file, "file", "", "read the description from a file (- for stdin)")
	return cmd
}

func generateIssuesCmd(kind, short string) *cobra.Command {
	var creds engine.Credentials
	cmd := &cobra.Command{
		Use:   kind + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				src, err := a.Engine.IssueSource(kind, creds)
				if err != nil {
					return err
				}
				batch, err := a.Engine.GenerateFromIssues(ctx, engine.IssueRequest{
					Source:     src,
					ItemIDs:    args,
					Categories: categoriesFlag(cmd, a.Engine),
					ActorID:    viper.GetString("actor-id"),
				}, nil)
				if err != nil {
					return err
				}
				return printRuns(batch)
			})
		},
	}
	cmd.Flags().StringVar(&creds.URL, "url", "", "override the base URL from testforge.yml")
	if kind == "jira" {
		cmd.Flags().StringVar(&creds.User, "user", "", "override the Jira user")
	} else {
		cmd.Flags().StringVar(&creds.Org, "org", "", "override the Azure organization")
		cmd.Flags().StringVar(&creds.Project, "project", "", "override the Azure project")
	}
	return cmd
}

func generateImageCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "image <path|url>",
		Short: "Generate from a screenshot or mockup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.ImageRequest{Title: title, ActorID: viper.GetString("actor-id")}
			if strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://") {
				req.URL = args[0]
			} else {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				req.Data = data
				req.Filename = filepath.Base(args[0])
				req.MIMEType = mime.TypeByExtension(filepath.Ext(args[0]))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req.Categories = categoriesFlag(cmd, a.Engine)
				run, err := a.Engine.GenerateFromImage(ctx, req, nil)
				if err != nil {
					return err
				}
				return printRuns(engine.Batch{Runs: []engine.Run{run}})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "screen title")
	return cmd
}

func printRuns(b engine.Batch) error {
	if viper.GetBool("json") {
		return printJSON(b)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Item", "URL Key", "Cases", "Text", "Spreadsheet"})
	for _, r := range b.Runs {
		tw.AppendRow(table.Row{r.ItemID, r.URLKey, len(r.TestCases), r.Files.Text, r.Files.Spreadsheet})
	}
	tw.Render()
	for _, f := range b.Failed {
		fmt.Fprintf(os.Stderr, "skipped %s: %s\n", f.ItemID, f.Error)
	}
	return nil
}

func shareCmd() *cobra.Command {
	sh := &cobra.Command{
		Use:   "share",
		Short: "Manage shared documents",
	}
	sh.AddCommand(shareListCmd())
	sh.AddCommand(shareShowCmd())
	sh.AddCommand(shareImportCmd())
	sh.AddCommand(shareExportCmd())
	return sh
}

func shareListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"URL Key", "Created", "Item", "Shape", "Cases", "Statuses"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.URLKey, s.CreatedAt, s.ItemID, s.Shape, s.Cases, s.Statuses})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows (0 for all)")
	return cmd
}

func shareShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <url_key>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, err := a.Repo.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
}

func shareImportCmd() *cobra.Command {
	var itemID string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Store a JSON document (flat list or {test_cases: [...]})",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := a.Engine.ImportDocument(ctx, data, itemID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"url_key": key})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item-id", "", "tracker item the document belongs to")
	return cmd
}

func shareExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <url_key>",
		Short: "Render a document as marker-tagged text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				text, err := a.Engine.ExportText(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(text)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "status",
		Short: "Track test case status",
	}
	st.AddCommand(statusGetCmd())
	st.AddCommand(statusSetCmd())
	return st
}

func statusGetCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "get <url_key>",
		Short: "Show the title to status map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				values, err := a.Repo.StatusValues(ctx, args[0], refresh, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(values)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Title", "Status"})
				for _, title := range sortedKeys(values) {
					tw.AppendRow(table.Row{title, values[title]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "rebuild from the embedded records")
	return cmd
}

func statusSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <url_key> <title> <status>",
		Short: "Set the status of one test case",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Repo.UpdateStatus(ctx, args[0], args[1], args[2], viper.GetString("actor-id"))
				if err != nil && !errors.Is(err, domain.ErrReconciliationMiss) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Embedded {
					fmt.Fprintf(os.Stderr, "warning: no test case titled %q; only the status map was updated\n", args[1])
					return nil
				}
				fmt.Printf("%s = %s (%s)\n", res.Title, res.Status, res.Path)
				return nil
			})
		},
	}
}

func fileCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "file",
		Short: "Inspect generated artifacts",
	}
	f.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a .txt artifact or the rows of an .xlsx artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				content, err := a.Engine.Artifacts.Read(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") || content.Kind != "text" {
					return printJSON(content)
				}
				fmt.Print(content.Text)
				return nil
			})
		},
	})
	return f
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Repo.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("id: %s\nkey: %s\n(store the key now; it is not shown again)\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.RevokeAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger.Named("auth")}
				if authCfg.JWTSecret == "" {
					logger.Warn("TESTFORGE_JWT_SECRET is not set; every route is open")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Progress: a.Progress,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger.Named("http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving testforge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from testforge.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from testforge.yml)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Secrets: app.Secrets{
			GeminiAPIKey: viper.GetString("gemini-api-key"),
			JiraToken:    viper.GetString("jira-api-token"),
			AzurePAT:     viper.GetString("azure-pat"),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
