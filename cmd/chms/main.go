package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/chms/internal/adapters"
	"github.com/Napageneral/chms/internal/bus"
	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/config"
	"github.com/Napageneral/chms/internal/db"
	"github.com/Napageneral/chms/internal/fieldmap"
	"github.com/Napageneral/chms/internal/identity"
	"github.com/Napageneral/chms/internal/live"
	"github.com/Napageneral/chms/internal/logging"
	"github.com/Napageneral/chms/internal/secrets"
	"github.com/Napageneral/chms/internal/sync"
	"github.com/Napageneral/chms/internal/webhook"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

type baseResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "chms",
		Short: "Church management system integration engine",
		Long: `chms pulls people and families from Rock RMS, Planning Center
and Church Community Builder into the local identity store, and writes
ministry engagement back to each system where it can.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("chms %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(checkinCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(groupsCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// exitWith reports a failure in the selected output format and exits.
func exitWith(format string, args ...any) {
	result := baseResult{OK: false, Message: fmt.Sprintf(format, args...)}
	if jsonOutput {
		printJSON(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", result.Message)
	}
	os.Exit(1)
}

type env struct {
	cfg    *config.Config
	db     *sql.DB
	store  *identity.SQLStore
	logger *slog.Logger
}

func (e *env) Close() { e.db.Close() }

func (e *env) engine() *sync.Engine {
	return sync.NewEngine(e.db, e.store, sync.WithLogger(e.logger))
}

func (e *env) runner() *sync.Runner {
	return sync.NewRunner(e.engine(), secrets.NewResolver())
}

// connection returns a configured connection with its credentials resolved.
func (e *env) connection(ctx context.Context, name string) chms.Connection {
	cc, ok := e.cfg.Connections[name]
	if !ok {
		exitWith("Connection '%s' not configured", name)
	}
	conn, err := secrets.NewResolver().Resolve(ctx, cc.Connection(name))
	if err != nil {
		exitWith("Failed to resolve credentials: %v", err)
	}
	return conn
}

func loadEnv() *env {
	cfg, err := config.Load()
	if err != nil {
		exitWith("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		exitWith("Invalid config: %v", err)
	}
	database, err := db.Open()
	if err != nil {
		exitWith("Failed to open database: %v", err)
	}
	if err := db.ApplySchema(database); err != nil {
		database.Close()
		exitWith("Failed to apply schema: %v", err)
	}
	return &env{
		cfg:    cfg,
		db:     database,
		store:  identity.NewSQLStore(database),
		logger: logging.New(cfg.Logging),
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize chms config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
			}

			configPath, err := config.Path()
			if err != nil {
				exitWith("Failed to get config path: %v", err)
			}
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				cfg := &config.Config{Connections: map[string]config.ConnectionConfig{}}
				if err := cfg.Save(); err != nil {
					exitWith("Failed to write config: %v", err)
				}
			}
			if err := db.Init(); err != nil {
				exitWith("Failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				exitWith("Failed to get database path: %v", err)
			}

			result := Result{OK: true, Message: "chms initialized successfully", ConfigPath: configPath, DBPath: dbPath}
			if jsonOutput {
				printJSON(result)
				return
			}
			fmt.Printf("✓ Config: %s\n", result.ConfigPath)
			fmt.Printf("✓ Database: %s\n", result.DBPath)
			fmt.Println("\nAdd connections to the config, then run 'chms test <connection>'.")
		},
	}
}

func connectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List configured connections with schedule and sync status",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK          bool                        `json:"ok"`
				Message     string                      `json:"message,omitempty"`
				Connections []live.ConnectionLiveStatus `json:"connections"`
				Jobs        []sync.JobStatus            `json:"jobs,omitempty"`
			}

			e := loadEnv()
			defer e.Close()

			statuses, err := live.GetStatuses(e.db, e.cfg)
			if err != nil {
				exitWith("Failed to read status: %v", err)
			}
			jobs, err := sync.ListJobs(e.db)
			if err != nil {
				exitWith("Failed to read sync jobs: %v", err)
			}
			result := Result{OK: true, Connections: statuses, Jobs: jobs}
			if len(statuses) == 0 {
				result.Message = "No connections configured."
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if result.Message != "" {
				fmt.Println(result.Message)
				return
			}
			byName := map[string]sync.JobStatus{}
			for _, j := range jobs {
				byName[j.Connection] = j
			}
			for _, s := range statuses {
				state := "disabled"
				if s.Enabled {
					state = "enabled"
				}
				fmt.Printf("%s (%s) %s, schedule %s\n", s.Connection, s.Provider, state, s.Schedule)
				if j, ok := byName[s.Connection]; ok {
					fmt.Printf("  last job: %s (%s)\n", j.Status, j.Phase)
					if j.LastError != nil && *j.LastError != "" {
						fmt.Printf("  error: %s\n", *j.LastError)
					}
				}
				if s.LastSuccessAt != nil {
					fmt.Printf("  last success: %s\n", time.Unix(*s.LastSuccessAt, 0).Format(time.RFC3339))
				}
			}
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <connection>",
		Short: "Check a connection's credentials",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK           bool              `json:"ok"`
				Message      string            `json:"message,omitempty"`
				Connection   string            `json:"connection"`
				Capabilities chms.Capabilities `json:"capabilities"`
			}

			cfg, err := config.Load()
			if err != nil {
				exitWith("Failed to load config: %v", err)
			}
			name := args[0]
			cc, ok := cfg.Connections[name]
			if !ok {
				exitWith("Connection '%s' not configured", name)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			conn, err := secrets.NewResolver().Resolve(ctx, cc.Connection(name))
			if err != nil {
				exitWith("Failed to resolve credentials: %v", err)
			}
			provider, err := adapters.New(conn, adapters.WithLogger(logging.New(cfg.Logging)))
			if err != nil {
				exitWith("%v", err)
			}
			status := provider.TestConnection(ctx)

			result := Result{OK: status.OK, Message: status.Error, Connection: name, Capabilities: provider.Capabilities()}
			if jsonOutput {
				printJSON(result)
			} else if status.OK {
				fmt.Printf("✓ %s: connected\n", name)
			} else {
				fmt.Fprintf(os.Stderr, "✗ %s: %s\n", name, status.Error)
			}
			if !status.OK {
				os.Exit(1)
			}
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull people and families, then write engagement back",
		Run: func(cmd *cobra.Command, args []string) {
			name, _ := cmd.Flags().GetString("connection")
			full, _ := cmd.Flags().GetBool("full")

			e := loadEnv()
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			runner := e.runner()
			var result sync.SyncResult
			if name != "" {
				result = runner.SyncOne(ctx, e.cfg, name, sync.TriggerManual, full)
			} else {
				result = runner.SyncAll(ctx, e.cfg, sync.TriggerManual, full)
			}

			if jsonOutput {
				printJSON(result)
			} else {
				if result.Message != "" {
					fmt.Println(result.Message)
				}
				for _, c := range result.Connections {
					mark := "✓"
					if !c.Success {
						mark = "✗"
					}
					fmt.Printf("%s %s [%s] %s\n", mark, c.Connection, c.Provider, c.Status)
					fmt.Printf("  imported %d, created %d, linked %d, updated %d, families %d, relationships %d\n",
						c.PeopleImported, c.ProfilesCreated, c.ProfilesLinked, c.ProfilesUpdated, c.FamiliesSynced, c.RelationshipsCreated)
					if c.ActivityWritten > 0 || c.ActivityFailed > 0 {
						fmt.Printf("  activity written %d, failed %d\n", c.ActivityWritten, c.ActivityFailed)
					}
					if c.Error != "" {
						fmt.Printf("  error: %s\n", c.Error)
					}
					if len(c.FailedIDs) > 0 {
						fmt.Printf("  failed records: %s\n", strings.Join(c.FailedIDs, ", "))
					}
					if len(c.FailedFamilyIDs) > 0 {
						fmt.Printf("  failed families: %s\n", strings.Join(c.FailedFamilyIDs, ", "))
					}
					fmt.Printf("  took %s\n", c.Duration)
				}
			}
			if !result.OK {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().String("connection", "", "Sync one connection by name")
	cmd.Flags().Bool("full", false, "Ignore the incremental cursor and pull everyone")
	return cmd
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent sync logs",
		Run: func(cmd *cobra.Command, args []string) {
			name, _ := cmd.Flags().GetString("connection")
			limit, _ := cmd.Flags().GetInt("limit")

			e := loadEnv()
			defer e.Close()

			logs, err := e.store.ListSyncLogs(cmd.Context(), name, limit)
			if err != nil {
				exitWith("Failed to list sync logs: %v", err)
			}
			if jsonOutput {
				printJSON(logs)
				return
			}
			if len(logs) == 0 {
				fmt.Println("No sync logs yet.")
				return
			}
			for _, l := range logs {
				fmt.Printf("%s %s %s (%s) %s\n", l.StartedAt.Local().Format(time.RFC3339), l.Connection, l.Status, l.Trigger, l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond))
				if l.Message != "" {
					fmt.Printf("  %s\n", l.Message)
				}
				for _, re := range l.Errors {
					fmt.Printf("  [%s] %s: %s\n", re.Stage, re.ExternalID, re.Error)
				}
			}
		},
	}
	cmd.Flags().String("connection", "", "Only this connection")
	cmd.Flags().Int("limit", 20, "Maximum logs to show")
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show sync and webhook events",
		Run: func(cmd *cobra.Command, args []string) {
			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			types, _ := cmd.Flags().GetStringSlice("type")

			e := loadEnv()
			defer e.Close()

			events, err := bus.List(e.db, after, limit, types...)
			if err != nil {
				exitWith("Failed to list events: %v", err)
			}
			if jsonOutput {
				printJSON(events)
				return
			}
			for _, ev := range events {
				conn := ""
				if ev.Connection != nil {
					conn = *ev.Connection
				}
				fmt.Printf("%d %s %s %s %s\n", ev.Seq, time.Unix(ev.CreatedAt, 0).Format(time.RFC3339), ev.Type, conn, eventDetail(ev))
			}
		},
	}
	cmd.Flags().StringSlice("type", nil, "Only events of these types")
	cmd.Flags().Int64("after", 0, "Only events after this sequence number")
	cmd.Flags().Int("limit", 100, "Maximum events to show")
	return cmd
}

func eventDetail(ev bus.Event) string {
	switch {
	case bus.IsSyncType(ev.Type):
		p, err := ev.Sync()
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s: imported %d, created %d, linked %d, errors %d", p.Status, p.PeopleImported, p.ProfilesCreated, p.ProfilesLinked, p.Errors)
	case ev.Type == bus.TypeWebhook:
		p, err := ev.Webhook()
		if err != nil {
			return ""
		}
		if p.Queued {
			return fmt.Sprintf("%d bytes, pull queued", p.Bytes)
		}
		return fmt.Sprintf("%d bytes, coalesced", p.Bytes)
	}
	return ""
}

func checkinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkin <email>",
		Short: "Record a ministry check-in for a profile",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			event, _ := cmd.Flags().GetString("event")
			points, _ := cmd.Flags().GetInt("points")

			if org == "" {
				exitWith("--org is required")
			}

			e := loadEnv()
			defer e.Close()
			ctx := cmd.Context()

			profiles, err := e.store.FindProfilesByEmail(ctx, args[0])
			if err != nil {
				exitWith("Failed to look up profile: %v", err)
			}
			if len(profiles) == 0 {
				exitWith("No profile with email %s", args[0])
			}
			err = e.store.RecordCheckIn(ctx, identity.CheckIn{
				OrganizationID: org,
				ProfileID:      profiles[0].ID,
				At:             time.Now(),
				EventName:      event,
				Points:         points,
			})
			if err != nil {
				exitWith("Failed to record check-in: %v", err)
			}

			result := baseResult{OK: true, Message: fmt.Sprintf("Checked in %s", args[0])}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Println(result.Message)
			}
		},
	}
	cmd.Flags().String("org", "", "Organization ID")
	cmd.Flags().String("event", "", "Event name")
	cmd.Flags().Int("points", 0, "Points earned")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled pulls and the webhook receiver",
		Run: func(cmd *cobra.Command, args []string) {
			addr, _ := cmd.Flags().GetString("addr")

			e := loadEnv()
			defer e.Close()
			if addr == "" {
				addr = e.cfg.Server.ListenAddr
			}
			if addr == "" {
				addr = config.DefaultListenAddr
			}
			configPath, err := config.Path()
			if err != nil {
				exitWith("Failed to get config path: %v", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			runner := e.runner()
			pull := func(ctx context.Context, name string, cc config.ConnectionConfig) {
				res := runner.RunConnection(ctx, name, cc, sync.TriggerWebhook, false)
				if !res.Success {
					e.logger.Warn("webhook pull failed", "connection", name, "error", res.Error)
				}
			}
			srv := webhook.New(ctx, e.db, e.store, e.cfg, pull, webhook.WithLogger(e.logger))

			mgr := live.NewManager(e.db, e.cfg, func(ctx context.Context, name string, cc config.ConnectionConfig) error {
				res := runner.RunConnection(ctx, name, cc, sync.TriggerScheduled, false)
				if !res.Success {
					return fmt.Errorf("%s", res.Error)
				}
				return nil
			})
			mgr.ConfigPath = configPath
			mgr.Logger = e.logger
			mgr.OnReload = srv.SetConfig

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
			g.Go(func() error { return mgr.Run(gctx) })
			if err := g.Wait(); err != nil {
				exitWith("%v", err)
			}
		},
	}
	cmd.Flags().String("addr", "", "Listen address for webhooks (default from config)")
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <connection>",
		Short: "Look up people in a connection's ChMS",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Match struct {
				ExternalID  string `json:"external_id"`
				DisplayName string `json:"display_name"`
				Email       string `json:"email,omitempty"`
				Phone       string `json:"phone,omitempty"`
			}
			type Result struct {
				OK      bool    `json:"ok"`
				Matches []Match `json:"matches"`
			}

			q := chms.SearchQuery{}
			q.Email, _ = cmd.Flags().GetString("email")
			q.Phone, _ = cmd.Flags().GetString("phone")
			q.FirstName, _ = cmd.Flags().GetString("first")
			q.LastName, _ = cmd.Flags().GetString("last")
			if q == (chms.SearchQuery{}) {
				exitWith("Give at least one of --email, --phone, --first or --last")
			}
			q.Phone = fieldmap.NormalizePhone(q.Phone)

			e := loadEnv()
			defer e.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			conn := e.connection(ctx, args[0])

			provider, err := adapters.New(conn, adapters.WithLogger(e.logger))
			if err != nil {
				exitWith("%v", err)
			}
			if err := provider.Authenticate(ctx); err != nil {
				exitWith("%v", err)
			}
			people, err := provider.SearchPerson(ctx, q)
			if err != nil {
				exitWith("Search failed: %v", err)
			}

			result := Result{OK: true, Matches: []Match{}}
			for _, p := range fieldmap.RankByName(people, q.FirstName, q.LastName) {
				result.Matches = append(result.Matches, Match{
					ExternalID:  p.ExternalID,
					DisplayName: fieldmap.DisplayName(p.FirstName, p.Nickname, p.LastName),
					Email:       p.Email,
					Phone:       p.Phone,
				})
			}
			if jsonOutput {
				printJSON(result)
				return
			}
			if len(result.Matches) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, m := range result.Matches {
				fmt.Printf("%-10s %-28s %s\n", m.ExternalID, m.DisplayName, m.Email)
			}
		},
	}
	cmd.Flags().String("email", "", "Email address")
	cmd.Flags().String("phone", "", "Phone number")
	cmd.Flags().String("first", "", "First name")
	cmd.Flags().String("last", "", "Last name")
	return cmd
}

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups <connection>",
		Short: "List groups and give linked leaders their role",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK     bool                `json:"ok"`
				Groups []sync.GroupSummary `json:"groups"`
			}
			types, _ := cmd.Flags().GetStringSlice("type")

			e := loadEnv()
			defer e.Close()
			ctx, cancel := signalContext()
			defer cancel()
			conn := e.connection(ctx, args[0])

			groups, err := e.engine().SyncGroups(ctx, conn, types)
			if err != nil {
				exitWith("Group sync failed: %v", err)
			}
			if jsonOutput {
				printJSON(Result{OK: true, Groups: groups})
				return
			}
			for _, g := range groups {
				fmt.Printf("%-10s %-30s %d members, %d linked, %d leaders\n", g.ExternalID, g.Name, g.Members, g.Linked, g.Leaders)
			}
		},
	}
	cmd.Flags().StringSlice("type", nil, "Only groups of these types")
	return cmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <connection> <profile-id>",
		Short: "Create a ChMS person from a local profile and link them",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				ProfileID  string `json:"profile_id"`
				ExternalID string `json:"external_id"`
			}

			e := loadEnv()
			defer e.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			conn := e.connection(ctx, args[0])

			ext, err := e.engine().PushProfile(ctx, conn, args[1])
			if err != nil {
				exitWith("Push failed: %v", err)
			}
			if jsonOutput {
				printJSON(Result{OK: true, ProfileID: args[1], ExternalID: ext})
			} else {
				fmt.Printf("✓ %s linked to %s person %s\n", args[1], conn.Name, ext)
			}
		},
	}
}
