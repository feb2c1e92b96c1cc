package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowstate/internal/app"
	"flowstate/internal/config"
	"flowstate/internal/db"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/migrate"
	"flowstate/internal/repo"
	"flowstate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "flowstate",
	Short: "Flowstate construction flow simulator",
	Long: `Flowstate simulates a construction site run with Lean practices.
- Board: work items flow backlog -> ready -> doing -> done under WIP limits.
- Resources: pulling into doing spends materials, finishing pays the reward, every day costs overhead.
- Constraints: material, crew, approval and weather issues decide whether an item is sound, risky or blocked.
- Commitment: in the last-planner chapter you promise a batch of items and are scored by PPC.
- Chapters: kanban (days 1-5) teaches pull and WIP; last-planner (days 6-12) teaches reliable promises.
- Event log: every move and outcome, view with 'flowstate log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
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
		fmt.Fprintln(os.Stderr, "error:", err)
		if code := engine.ErrorCode(err); code != "" {
			fmt.Fprintln(os.Stderr, "code:", code)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWSTATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("session", "", "session id (defaults to the most recent)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(wipCmd())
	rootCmd.AddCommand(constraintsCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var chapter string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write flowstate.yml and start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg, err := config.FromYAML([]byte(config.GenerateDefault(chapter)))
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(chapter)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := app.NewSession(ctx, r, cfg, chapter, slog.Default())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "session": s.ID, "chapter": s.Engine.Calendar().Chapter})
				}
				fmt.Printf("Wrote %s\nStarted %s session %s on day %d\n", path, s.Engine.Calendar().Chapter, s.ID, s.Engine.Day())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chapter, "chapter", "kanban", "chapter to start (kanban or last-planner)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing flowstate.yml")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show day, phase, resources and morale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				if viper.GetBool("json") {
					return printJSON(statusView(s))
				}
				printStatus(s)
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show stages and work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"day":    s.Engine.Day(),
						"phase":  s.Engine.Phase(),
						"stages": s.Engine.Stages(),
						"items":  s.Engine.Items(),
						"gates":  s.Engine.Gates(),
					})
				}
				printStatus(s)
				printBoard(s.Engine)
				return nil
			})
		},
	}
}

func moveCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "move <item> <stage>",
		Short: "Move an item to an adjacent stage",
		Long:  "Item may be a full id, a unique id prefix or the template key of a single open item.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				id, err := resolveItem(s.Engine, args[0])
				if err != nil {
					return err
				}
				var tr engine.Transition
				if from != "" {
					src, err := domain.ParseStage(from)
					if err != nil {
						return err
					}
					tr, err = s.Engine.Move(id, src, to)
					if err != nil {
						return err
					}
				} else if tr, err = s.Engine.MoveTo(id, to); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"transition": tr, "resources": s.Engine.Resources()})
				}
				printTransition(s.Engine, tr)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected source stage")
	return cmd
}

func wipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wip <stage> <limit>",
		Short: "Set a stage's WIP limit (0 means unlimited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.SetWipLimit(stage, limit); err != nil {
					return err
				}
				st, _ := s.Engine.Stage(stage)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stage": st.ID, "wip_limit": st.WipLimit, "over_limit": st.OverLimit()})
				}
				fmt.Printf("%s WIP limit set to %d (%d items)\n", st.ID, st.WipLimit, len(st.Items))
				if st.OverLimit() {
					fmt.Println(red("stage is over its limit; finish work before pulling more"))
				}
				return nil
			})
		},
	}
}

func constraintsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "constraints",
		Short: "Inspect and clear item constraints",
	}
	c.AddCommand(&cobra.Command{
		Use:   "inspect <item>",
		Short: "Show an item's outstanding constraints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				id, err := resolveItem(s.Engine, args[0])
				if err != nil {
					return err
				}
				kinds, class, err := s.Engine.InspectConstraints(id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item_id": id, "constraints": kinds, "readiness": class})
				}
				fmt.Printf("%s: %s %s\n", shortID(id), readinessLabel(class), joinKinds(kinds))
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "remove <item> <kind>",
		Short: "Clear one constraint from an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseConstraintKind(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				id, err := resolveItem(s.Engine, args[0])
				if err != nil {
					return err
				}
				removed, err := s.Engine.RemoveConstraint(id, kind)
				if err != nil {
					return err
				}
				class := s.Engine.Classify(id)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item_id": id, "removed": removed, "readiness": class})
				}
				if !removed {
					fmt.Printf("%s had no %s constraint\n", shortID(id), kind)
					return nil
				}
				fmt.Printf("cleared %s on %s, now %s\n", kind, shortID(id), readinessLabel(class))
				return nil
			})
		},
	})
	return c
}

func commitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "commit <item>...",
		Short: "Freeze the window's commitment",
		Long:  "Promises every sound item given plus any risky items already forced. Use 'commit propose' first to see how items classify.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				ids, err := resolveItems(s.Engine, args)
				if err != nil {
					return err
				}
				set, err := s.Engine.Commit(ids)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(set)
				}
				fmt.Printf("Committed %d items on day %d\n", len(set.Promised), set.Day)
				printItems(s.Engine, set.Promised)
				return nil
			})
		},
	}
	c.AddCommand(&cobra.Command{
		Use:   "propose [item...]",
		Short: "Classify candidates as sound, risky or blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				ids, err := resolveItems(s.Engine, args)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					for _, it := range s.Engine.Items() {
						if !it.Finalized() {
							ids = append(ids, it.ID)
						}
					}
				}
				p, err := s.Engine.ProposeCommitment(ids)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printProposal(s.Engine, p)
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "force <item>...",
		Short: "Override risky items into the commitment as fragile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				ids, err := resolveItems(s.Engine, args)
				if err != nil {
					return err
				}
				fragile, err := s.Engine.ForceCommitRisky(ids)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"fragile": fragile, "morale": s.Engine.Morale()})
				}
				fmt.Printf("%d items forced as fragile; morale now %s\n", len(fragile), moraleLabel(s.Engine.Morale()))
				return nil
			})
		},
	})
	return c
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "End the day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), true, func(ctx context.Context, s *app.Session) error {
				res, applied, err := s.Director.Advance(s.Engine)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "script": applied, "resources": s.Engine.Resources()})
				}
				printAdvance(s.Engine, res, applied)
				return nil
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show PPC, morale and flow history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"ppc":          s.Engine.PPC(),
						"morale":       s.Engine.Morale(),
						"flow_history": s.Engine.FlowHistory(),
						"resources":    s.Engine.Resources(),
					})
				}
				printMetrics(s.Engine)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened in the session: moves, constraints, promises, outcomes and morale.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n, day int
	var evtType, itemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				events, err := s.Repo().LatestEvents(ctx, repo.EventFilters{
					SessionID: s.ID,
					Type:      evtType,
					ItemID:    itemID,
					Day:       day,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				printEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemID, "item", "", "item id filter")
	cmd.Flags().IntVar(&day, "day", 0, "day filter")
	return cmd
}

func resetCmd() *cobra.Command {
	var chapter string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the session and start over",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), false, func(ctx context.Context, s *app.Session) error {
				next, err := app.Reset(ctx, s, chapter, slog.Default())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statusView(next))
				}
				fmt.Printf("Started %s session %s\n", next.Engine.Calendar().Chapter, next.ID)
				printStatus(next)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chapter, "chapter", "", "chapter to start (defaults to the current one)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect flowstate.yml",
		Long:  "The rulebook: starting resources, WIP limits, the work item catalog, chapter calendars and the day-by-day script.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate flowstate.yml",
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Repo:      repo.Repo{DB: conn},
				App:       cfg,
				SessionID: viper.GetString("session"),
				BasePath:  basePath,
				Logger:    slog.Default(),
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
			fmt.Printf("Serving Flowstate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

// withSession loads the config and active session. When mutate is set the
// session is saved after fn, even on error, so partial resolutions persist.
func withSession(ctx context.Context, mutate bool, fn func(context.Context, *app.Session) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		s, err := app.ResolveSession(ctx, r, cfg, viper.GetString("session"), slog.Default())
		if err != nil {
			return err
		}
		err = fn(ctx, s)
		if mutate {
			if saveErr := s.Save(ctx); saveErr != nil && err == nil {
				err = saveErr
			}
		}
		return err
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveItem accepts a full id, a unique id prefix or the template key of
// exactly one open item.
func resolveItem(eng *engine.Engine, ref string) (string, error) {
	if _, ok := eng.Item(ref); ok {
		return ref, nil
	}
	var byPrefix, byKey []string
	for _, it := range eng.Items() {
		if strings.HasPrefix(it.ID, ref) {
			byPrefix = append(byPrefix, it.ID)
		}
		if it.TemplateKey == ref && !it.Finalized() {
			byKey = append(byKey, it.ID)
		}
	}
	switch {
	case len(byPrefix) == 1:
		return byPrefix[0], nil
	case len(byPrefix) == 0 && len(byKey) == 1:
		return byKey[0], nil
	case len(byPrefix) > 1 || len(byKey) > 1:
		return "", fmt.Errorf("item %q is ambiguous", ref)
	default:
		// Unknown ids go to the engine, which reports them as contract errors.
		return ref, nil
	}
}

func resolveItems(eng *engine.Engine, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, err := resolveItem(eng, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
