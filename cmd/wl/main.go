package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wayleave/internal/app"
	"wayleave/internal/config"
	"wayleave/internal/db"
	"wayleave/internal/domain"
	"wayleave/internal/engine"
	"wayleave/internal/migrate"
	"wayleave/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wl",
	Short: "Wayleave approval workflow CLI",
	Long: `wl tracks wayleave applications through their approval workflow.
- Records move WaitingForAction -> Forwarded -> PendingFinalReview -> Completed.
- PLANNING creates records, TSS forwards them and attaches the approved document, EDD completes them; Admin may do anything.
- New accounts sign up pending and need an Admin to assign a role and activate them.
- The workspace holds the database (wayleave.db), the attachments directory and wayleave.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("WAYLEAVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/wayleave.yml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log component activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(signupCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(overviewCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
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
			version, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"schema_version": version, "database": db.Path(workspace)})
			}
			fmt.Printf("Workspace %s at schema version %d\n", db.Path(workspace), version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage wayleave.yml",
		Long:  "wayleave.yml holds the bootstrap administrator email, the allowed email domain, token lifetimes, attachment storage and server settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	var bootstrap, domainSuffix string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default wayleave.yml with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			secret := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			cfg, err := config.FromYAML([]byte(config.GenerateDefault(secret)))
			if err != nil {
				return err
			}
			cfg.Auth.BootstrapEmail = strings.TrimSpace(bootstrap)
			cfg.Auth.AllowedEmailDomain = strings.TrimSpace(domainSuffix)
			if err := cfg.Validate(); err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&bootstrap, "bootstrap-email", "", "email provisioned as Admin on first login")
	cmd.Flags().StringVar(&domainSuffix, "allowed-domain", "", "only allow emails ending with this suffix, e.g. @ewa.bh")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Auth.JWTSecret = "<redacted>"
			return printJSONOrYAML(&shown)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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

func signupCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register an account; an Admin must activate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				pw := passwordOr(password)
				id, err := a.SignUp(ctx, email, pw, pw)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": id, "status": domain.ActivationPending})
				}
				fmt.Printf("Signed up %s (%s). An administrator must assign a role and activate the account.\n", email, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (or WAYLEAVE_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and remember the session in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				sess, role, err := a.Login(ctx, email, passwordOr(password))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": sess.UserID, "email": sess.Email, "role": role})
				}
				fmt.Printf("Signed in as %s (%s)\n", sess.Email, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (or WAYLEAVE_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the workspace session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if err := a.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				sess := a.CurrentSession()
				role, _ := a.CurrentRole()
				out := map[string]any{"user_id": sess.UserID, "email": sess.Email, "role": role, "access_expires_at": sess.AccessExpiresAt}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s (%s)\n", sess.Email, role)
				return nil
			})
		},
	}
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage wayleave records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordPendingCmd())
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordTransitionCmd())
	rec.AddCommand(recordRenameCmd())
	rec.AddCommand(recordDeleteCmd())
	rec.AddCommand(recordURLCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	var status, search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				records, err := a.SearchRecords(ctx, search)
				if err != nil {
					return err
				}
				if status != "" {
					want, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					filtered := records[:0]
					for _, r := range records {
						if r.Status == want {
							filtered = append(filtered, r)
						}
					}
					records = filtered
				}
				return printRecords(a, records)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&search, "search", "", "match on wayleave number")
	return cmd
}

func recordPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Records waiting on your role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				records, err := a.PendingActions(ctx)
				if err != nil {
					return err
				}
				return printRecords(a, records)
			})
		},
	}
}

func recordCreateCmd() *cobra.Command {
	var number, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record with its initial attachment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				upload, err := readUpload(file)
				if err != nil {
					return err
				}
				rec, err := a.CreateRecord(ctx, number, upload)
				if err != nil {
					return err
				}
				return printRecord(a, rec)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "wayleave number")
	cmd.Flags().StringVar(&file, "file", "", "initial attachment")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func recordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rec, err := a.Record(ctx, id)
				if err != nil {
					return err
				}
				return printRecord(a, rec)
			})
		},
	}
}

func recordTransitionCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a record to a new status",
		Long:  "Moving a record to PendingFinalReview requires --evidence with the approved attachment.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				var upload *domain.Upload
				if evidence != "" {
					if upload, err = readUpload(evidence); err != nil {
						return err
					}
				}
				rec, err := a.ApplyTransition(ctx, id, target, upload)
				if err != nil {
					return err
				}
				return printRecord(a, rec)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "approved attachment")
	return cmd
}

func recordRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <number>",
		Short: "Change a record's wayleave number (Admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rec, err := a.UpdateRecordNumber(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printRecord(a, rec)
			})
		},
	}
}

func recordDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record and its attachments (Admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if err := a.DeleteRecord(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Deleted record %d\n", id)
				return nil
			})
		},
	}
}

func recordURLCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "url <id>",
		Short: "Print a short-lived download URL for an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			k, err := engine.ParseAttachmentKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				url, err := a.AttachmentURL(ctx, id, k)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"url": url, "expires_in": int(a.Config.Storage.SignedURLTTL / time.Second)})
				}
				fmt.Println(url)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "initial", "attachment kind (initial, approved)")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage user profiles (Admin)"}
	usr.AddCommand(userListCmd())
	usr.AddCommand(userRoleCmd())
	usr.AddCommand(userActivateCmd())
	usr.AddCommand(userDeleteCmd())
	return usr
}

func userListCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List user profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				profiles, err := a.SearchProfiles(ctx, search)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(profiles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role", "Status", "Created"})
				for _, p := range profiles {
					tw.AppendRow(table.Row{p.ID, p.Email, p.Role, p.Status, p.CreatedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "match on email")
	return cmd
}

func overviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "User and record counts (Admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				o, err := a.Overview(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Count"})
				tw.AppendRow(table.Row{"Users", o.TotalUsers})
				tw.AppendRow(table.Row{"Pending users", o.PendingUsers})
				tw.AppendRow(table.Row{"Records", o.TotalRecords})
				tw.AppendRow(table.Row{"In progress", o.InProgress})
				tw.AppendRow(table.Row{"Completed", o.Completed})
				tw.AppendSeparator()
				for _, st := range domain.AllStatuses {
					tw.AppendRow(table.Row{string(st), o.ByStatus[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id> <role>",
		Short: "Assign a role (Unassigned, PLANNING, TSS, EDD, Admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := domain.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				p, err := a.SetRole(ctx, args[0], role)
				if err != nil {
					return err
				}
				return printJSONOrYAML(p)
			})
		},
	}
}

func userActivateCmd() *cobra.Command {
	var deactivate bool
	cmd := &cobra.Command{
		Use:   "activate <user-id>",
		Short: "Activate an account (or --off to set it back to pending)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.ActivationActive
			if deactivate {
				status = domain.ActivationPending
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				p, err := a.ActivateProfile(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrYAML(p)
			})
		},
	}
	cmd.Flags().BoolVar(&deactivate, "off", false, "deactivate instead")
	return cmd
}

func userDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Remove a profile and end that user's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if err := a.DeleteProfile(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted profile %s\n", args[0])
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the record list live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}
			if _, ok := a.CurrentRole(); !ok {
				return &domain.AuthError{Reason: domain.ReasonNoSession}
			}
			snapshots, err := a.WatchRecords(ctx)
			if err != nil {
				return err
			}
			recheck := time.NewTicker(a.Config.Feed.RecheckInterval)
			defer recheck.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-recheck.C:
					if err := a.Revalidate(ctx); err != nil {
						return err
					}
				case records, ok := <-snapshots:
					if !ok {
						return nil
					}
					if err := a.Revalidate(ctx); err != nil {
						return err
					}
					if viper.GetBool("json") {
						if err := printJSON(records); err != nil {
							return err
						}
						continue
					}
					fmt.Print("\033[H\033[2J")
					fmt.Printf("wayleave records (%d) at %s\n", len(records), time.Now().Format(time.TimeOnly))
					if err := printRecords(a, records); err != nil {
						return err
					}
				}
			}
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("addr") || a.Config.Server.Addr == "" {
				a.Config.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || a.Config.Server.BasePath == "" {
				a.Config.Server.BasePath = basePath
			}
			handler, err := server.New(server.FromApp(a))
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving wayleave API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", srv.Addr, a.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if s := viper.GetString("jwt-secret"); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if e := viper.GetString("bootstrap-email"); e != "" {
		cfg.Auth.BootstrapEmail = e
	}
	return cfg, cfg.Validate()
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("verbose") {
		a.SetLogger(log.New(os.Stderr, "", log.LstdFlags))
	} else {
		a.SetLogger(log.New(discard{}, "", 0))
	}
	return a, nil
}

// withApp opens the workspace for one command. With requireSession the
// persisted session is validated first and its rejection returned.
func withApp(ctx context.Context, requireSession bool, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if requireSession {
		if err := a.Auth.InitialCheck(ctx); err != nil {
			return err
		}
		if _, ok := a.CurrentRole(); !ok {
			return &domain.AuthError{Reason: domain.ReasonNoSession, Message: "not signed in; run wl login"}
		}
	}
	return fn(ctx, a)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		return 3
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return 2
	case errors.Is(err, domain.ErrNotFound):
		return 4
	default:
		return 1
	}
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Field: "id", Message: fmt.Sprintf("invalid record id %q", v)}
	}
	return id, nil
}

func passwordOr(flag string) string {
	if flag != "" {
		return flag
	}
	return viper.GetString("password")
}

func readUpload(path string) (*domain.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ValidationError{Field: "file", Message: err.Error()}
	}
	return &domain.Upload{Name: filepath.Base(path), Data: data}, nil
}

func printRecords(a *app.App, records []domain.WayleaveRecord) error {
	if viper.GetBool("json") {
		return printJSON(records)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Wayleave", "Status", "Attachment", "Approved", "Created", "Next"})
	for _, r := range records {
		approved := ""
		if r.ApprovedAttachment != nil {
			approved = r.ApprovedAttachment.Name
		}
		tw.AppendRow(table.Row{r.ID, r.WayleaveNumber, r.Status, r.Attachment.Name, approved, r.CreatedAt.Local().Format(time.DateTime), joinStatuses(a.AvailableTransitions(r.Status))})
	}
	tw.Render()
	return nil
}

func printRecord(a *app.App, r domain.WayleaveRecord) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("Record %d: %s [%s]\n", r.ID, r.WayleaveNumber, r.Status)
	fmt.Printf("Attachment: %s (%d bytes)\n", r.Attachment.Name, r.Attachment.Size)
	if r.ApprovedAttachment != nil {
		fmt.Printf("Approved:   %s (%d bytes)\n", r.ApprovedAttachment.Name, r.ApprovedAttachment.Size)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Status", "Actor", "At"})
	for i, h := range r.History {
		tw.AppendRow(table.Row{i + 1, h.Status, h.Actor, h.Timestamp.Local().Format(time.DateTime)})
	}
	tw.Render()
	if next := a.AvailableTransitions(r.Status); len(next) > 0 {
		fmt.Printf("You can move it to: %s\n", joinStatuses(next))
	}
	return nil
}

func joinStatuses(items []domain.Status) string {
	parts := make([]string, 0, len(items))
	for _, s := range items {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}

func printJSONOrYAML(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := config.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
