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

	"rampline/internal/audit"
	"rampline/internal/config"
	"rampline/internal/db"
	"rampline/internal/domain"
	"rampline/internal/engine"
	"rampline/internal/migrate"
	"rampline/internal/repo"
	"rampline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Rampline CLI",
	Long: `Rampline tracks livestock ramp runs from capture through NLIS export.
A run moves DRAFT -> CAPTURING -> PROCESSING -> REVIEW -> CONFIRMED. The
vision pipeline records detected animals during PROCESSING; operators review
them (exclude, identify, merge) before confirming. Confirming a run produces
the NLIS export record and a pending on-chain commitment.`,
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
	viper.SetEnvPrefix("RAMPLINE")
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
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(animalCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(proofCmd())
	rootCmd.AddCommand(picCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage ramp runs",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runTransitionCmd("start-capture", "Start capture", engine.Engine.StartCapture))
	run.AddCommand(runTransitionCmd("start-processing", "Start processing", engine.Engine.StartProcessing))
	run.AddCommand(runDetectCmd())
	run.AddCommand(runConfirmCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var opts engine.CreateRunOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RunID, "id", "", "run id (generated if omitted)")
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&opts.RunType, "type", domain.RunTypeIncoming, "run type (INCOMING or OUTGOING)")
	cmd.Flags().StringVar(&opts.Metadata.TruckID, "truck", "", "truck id")
	cmd.Flags().StringVar(&opts.Metadata.LotNumber, "lot", "", "lot number")
	cmd.Flags().StringVar(&opts.Metadata.CounterpartyName, "counterparty", "", "counterparty name")
	cmd.Flags().StringVar(&opts.Metadata.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, total, err := e.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"runs": runs, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Site", "PIC", "Type", "Status", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunID, r.SiteID, r.PIC, r.RunType, r.Status, r.CreatedAt})
				}
				tw.Render()
				fmt.Printf("%d of %d\n", len(runs), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RunType, "type", "", "run type filter")
	cmd.Flags().StringVar(&f.SiteID, "site", "", "site filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with animals, summary and export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func runTransitionCmd(use, short string, fn func(engine.Engine, context.Context, string) (domain.Run, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := fn(e, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runDetectCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "detect <run-id>",
		Short: "Record pipeline detections from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var detections []engine.Detection
			if err := json.Unmarshal(data, &detections); err != nil {
				return fmt.Errorf("parse detections: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.RecordDetections(ctx, args[0], detections)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to detections JSON array")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <run-id>",
		Short: "Confirm a reviewed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ConfirmRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	return cmd
}

func animalCmd() *cobra.Command {
	animal := &cobra.Command{
		Use:   "animal",
		Short: "Review animals within a run",
	}
	animal.AddCommand(animalExcludeCmd())
	animal.AddCommand(animalIncludeCmd())
	animal.AddCommand(animalIdentifyCmd())
	animal.AddCommand(animalMergeCmd())
	animal.AddCommand(animalHistoryCmd())
	return animal
}

func animalExcludeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "exclude <run-id> <temp-ref>",
		Short: "Exclude an animal from its run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review.Exclude(ctx, args[0], args[1], optionalString(reason))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "exclusion reason")
	return cmd
}

func animalIncludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "include <run-id> <temp-ref>",
		Short: "Re-include a previously excluded animal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review.Include(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func animalIdentifyCmd() *cobra.Command {
	var nlisID string
	cmd := &cobra.Command{
		Use:   "identify <run-id> <temp-ref>",
		Short: "Attach an NLIS tag to an animal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if nlisID == "" {
				return fmt.Errorf("--nlis required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review.SetNlisID(ctx, args[0], args[1], nlisID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&nlisID, "nlis", "", "NLIS tag id")
	return cmd
}

func animalMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <run-id> <primary-ref> <duplicate-ref>",
		Short: "Merge a duplicate detection into the primary animal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review.Merge(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func animalHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <animal-id-or-nlis-id>",
		Short: "Cross-run history for an animal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.AnimalHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
}

func exportCmd() *cobra.Command {
	export := &cobra.Command{
		Use:   "export",
		Short: "NLIS export records",
	}
	export.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the export record for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.GetExport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	})
	var uploadStatus string
	markUploaded := &cobra.Command{
		Use:   "mark-uploaded <run-id>",
		Short: "Record the NLIS upload outcome for an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.MarkExportUploaded(ctx, args[0], uploadStatus)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	markUploaded.Flags().StringVar(&uploadStatus, "status", "UPLOADED", "upload status (UPLOADED, NOT_UPLOADED, UNKNOWN)")
	export.AddCommand(markUploaded)
	return export
}

func proofCmd() *cobra.Command {
	proof := &cobra.Command{
		Use:   "proof",
		Short: "Commitment and proof state",
	}
	proof.AddCommand(&cobra.Command{
		Use:   "state <entity-id>",
		Short: "Show the proof state for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Proofs.State(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	var entityKind, dataType, contentHash, chain string
	request := &cobra.Command{
		Use:   "request <entity-id>",
		Short: "Request a new commitment for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentHash == "" {
				return fmt.Errorf("--hash required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if chain == "" {
					chain = e.Config.Proof.Chain
				}
				c, err := e.Proofs.Request(ctx, entityKind, args[0], dataType, contentHash, chain)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	request.Flags().StringVar(&entityKind, "entity-kind", "run", "entity kind")
	request.Flags().StringVar(&dataType, "data-type", "ramp.run.summary", "committed data type")
	request.Flags().StringVar(&contentHash, "hash", "", "content hash")
	request.Flags().StringVar(&chain, "chain", "", "target chain (default from config)")
	proof.AddCommand(request)
	var txHash string
	confirm := &cobra.Command{
		Use:   "confirm <commitment-id>",
		Short: "Mark a commitment confirmed on chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if txHash == "" {
				return fmt.Errorf("--tx required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Proofs.MarkConfirmed(ctx, args[0], txHash)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	confirm.Flags().StringVar(&txHash, "tx", "", "transaction hash")
	proof.AddCommand(confirm)
	proof.AddCommand(&cobra.Command{
		Use:   "fail <commitment-id>",
		Short: "Mark a commitment failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Proofs.MarkFailed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	return proof
}

func picCmd() *cobra.Command {
	pic := &cobra.Command{
		Use:   "pic",
		Short: "PIC registry",
	}
	var jurisdiction string
	var limit int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the PIC registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.PICs.Search(ctx, args[0], jurisdiction, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"PIC", "Property", "Jurisdiction", "Region", "Active"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.PICCode, r.PropertyName, r.Jurisdiction, r.Region, r.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	search.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction filter")
	search.Flags().IntVar(&limit, "limit", 20, "max results")
	pic.AddCommand(search)
	pic.AddCommand(&cobra.Command{
		Use:   "show <pic-code>",
		Short: "Show PIC details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.PICs.Details(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})
	pic.AddCommand(&cobra.Command{
		Use:   "resolve <site-id>",
		Short: "Resolve a site to its PIC",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code, err := e.PICs.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"site_id": args[0], "pic": code})
			})
		},
	})
	var siteName string
	mapSite := &cobra.Command{
		Use:   "map-site <site-id> <pic-code>",
		Short: "Register or update a site-to-PIC mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.PICs.MapSite(ctx, args[0], args[1], siteName); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"site_id": args[0], "pic": args[1]})
			})
		},
	}
	mapSite.Flags().StringVar(&siteName, "name", "", "site display name")
	pic.AddCommand(mapSite)
	return pic
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, kind, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo runs and animals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := seedDemo(ctx, e); err != nil {
					return err
				}
				fmt.Println("Seeded demo runs RUN-001, RUN-002, RUN-003")
				return nil
			})
		},
	}
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
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			if cfg.Audit.Enabled {
				emitter := audit.NewEmitter(e.Repo, audit.SinkConfig{
					URL:      cfg.Audit.URL,
					APIKey:   cfg.Audit.APIKey,
					Timeout:  time.Duration(cfg.Audit.TimeoutSeconds) * time.Second,
					Interval: time.Duration(cfg.Audit.IntervalSeconds) * time.Second,
					Kinds:    cfg.Audit.Events,
				})
				emitter.Start(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rampline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
