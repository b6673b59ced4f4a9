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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prodline/internal/app"
	"prodline/internal/config"
	"prodline/internal/db"
	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/migrate"
	"prodline/internal/repo"
	"prodline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Prodline CLI",
	Long: `Prodline runs the production floor of a workshop.
Core concepts:
- Workspace: the .prodline directory holding the SQLite database; configs live in the DB, seeded from prodline.yml.
- Organization: the workshop; owns the operation catalog, posts, operators, projects and commands.
- Operation: one catalog step (cut, weld, paint); is_final marks the step that counts toward delivery.
- Workflow: the directed graph of operations for a project, saved as whole snapshots with optimistic versioning.
- Command: a customer order; each order line (command project) carries a target quantity and deadline.
- Planning: an operator booked on a post for a date window; overlapping bookings are rejected.
- History: the append-only ledger of completed units; progress and heatmaps are derived from it, never stored.
- Event log: diary of changes, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PRODLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides single-org default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(planningCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(heatmapCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, _, err := app.ResolveOrgAndConfig(ctx, viper.GetString("workspace"), id, viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				if name != "" {
					if _, err := r.DB.ExecContext(ctx, `UPDATE organizations SET name=? WHERE id=?`, name, id); err != nil {
						return err
					}
				}
				o, err := r.GetOrganization(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "organization id")
	create.Flags().StringVar(&name, "name", "", "display name")
	org.AddCommand(create)

	org.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrganizations(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	org.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				o, err := r.GetOrganization(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})
	return org
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}

	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default prodline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = "workshop"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})

	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	})

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a config file into the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			loaded, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.UpsertOrgConfig(ctx, e.Config.Organization.ID, loaded)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config yaml path")
	cfg.AddCommand(importCmd)
	return cfg
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Short: "Manage the operation catalog"}

	var name, code, desc string
	var isFinal bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateOperation(ctx, engine.OperationCreateOptions{
					OrgID:       e.Config.Organization.ID,
					Name:        name,
					Code:        code,
					Description: desc,
					IsFinal:     isFinal,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "operation name")
	create.Flags().StringVar(&code, "code", "", "short code")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().BoolVar(&isFinal, "final", false, "counts toward order line progress")
	op.AddCommand(create)

	op.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOperations(ctx, e.Config.Organization.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Final"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Code, o.Name, o.IsFinal})
				}
				tw.Render()
				return nil
			})
		},
	})

	op.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOperation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})

	var uName, uCode, uDesc string
	var uFinal bool
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.OperationUpdateOptions{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &uName
				}
				if cmd.Flags().Changed("code") {
					opts.Code = &uCode
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &uDesc
				}
				if cmd.Flags().Changed("final") {
					opts.IsFinal = &uFinal
				}
				updated, err := e.UpdateOperation(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	update.Flags().StringVar(&uName, "name", "", "operation name")
	update.Flags().StringVar(&uCode, "code", "", "short code")
	update.Flags().StringVar(&uDesc, "description", "", "description")
	update.Flags().BoolVar(&uFinal, "final", false, "counts toward order line progress")
	op.AddCommand(update)

	op.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteOperation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	return op
}

func postCmd() *cobra.Command {
	post := &cobra.Command{Use: "post", Short: "Manage work posts"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePost(ctx, e.Config.Organization.ID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "post name")
	post.AddCommand(create)

	post.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPosts(ctx, e.Config.Organization.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return post
}

func operatorCmd() *cobra.Command {
	operator := &cobra.Command{Use: "operator", Short: "Manage operators"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOperator(ctx, e.Config.Organization.ID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "operator name")
	operator.AddCommand(create)

	operator.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOperators(ctx, e.Config.Organization.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return operator
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, e.Config.Organization.ID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	prj.AddCommand(create)

	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, e.Config.Organization.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	prj.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return prj
}

// graphFile is the on-disk JSON form of a workflow snapshot.
type graphFile struct {
	Version int64 `json:"version"`
	Nodes   []struct {
		ID          string          `json:"id"`
		OperationID string          `json:"operation_id"`
		Data        domain.NodeData `json:"data"`
	} `json:"nodes"`
	Edges []struct {
		ID       string `json:"id"`
		SourceID string `json:"source_id"`
		TargetID string `json:"target_id"`
		Count    int    `json:"count"`
	} `json:"edges"`
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage project workflows"}

	var projectID, file string
	save := &cobra.Command{
		Use:   "save",
		Short: "Save a workflow snapshot from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || file == "" {
				return fmt.Errorf("--project and --file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var g graphFile
			if err := json.Unmarshal(data, &g); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.SaveWorkflowOptions{
					ProjectID: projectID,
					Version:   g.Version,
					ActorID:   viper.GetString("actor-id"),
				}
				for _, n := range g.Nodes {
					opts.Nodes = append(opts.Nodes, engine.NodeInput{ID: n.ID, OperationID: n.OperationID, Data: n.Data})
				}
				for _, ed := range g.Edges {
					opts.Edges = append(opts.Edges, engine.EdgeInput{ID: ed.ID, SourceID: ed.SourceID, TargetID: ed.TargetID, Count: ed.Count})
				}
				saved, err := e.SaveWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Printf("saved workflow %s at version %d (%d nodes, %d edges)\n",
					saved.Workflow.ID, saved.Workflow.Version, len(saved.Nodes), len(saved.Edges))
				return nil
			})
		},
	}
	save.Flags().StringVar(&projectID, "project", "", "project id")
	save.Flags().StringVar(&file, "file", "", "graph json path")
	wf.AddCommand(save)

	var showProject string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a project workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showProject == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.GetWorkflow(ctx, showProject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("workflow version %d\n", g.Workflow.Version)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Node", "Operation", "Label", "Time"})
				for _, n := range g.Nodes {
					tw.AppendRow(table.Row{n.ID, n.OperationID, n.Data.Label, n.Data.Time})
				}
				tw.Render()
				te := table.NewWriter()
				te.SetOutputMirror(os.Stdout)
				te.AppendHeader(table.Row{"Edge", "Source", "Target", "Count"})
				for _, ed := range g.Edges {
					te.AppendRow(table.Row{ed.ID, ed.SourceID, ed.TargetID, ed.Count})
				}
				te.Render()
				return nil
			})
		},
	}
	show.Flags().StringVar(&showProject, "project", "", "project id")
	wf.AddCommand(show)
	return wf
}

func commandCmd() *cobra.Command {
	cc := &cobra.Command{Use: "command", Short: "Manage customer commands"}

	var reference, customer string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCommand(ctx, e.Config.Organization.ID, reference, customer, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	create.Flags().StringVar(&reference, "reference", "", "order reference")
	create.Flags().StringVar(&customer, "customer", "", "customer name")
	cc.AddCommand(create)

	cc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCommands(ctx, e.Config.Organization.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})

	line := &cobra.Command{Use: "line", Short: "Manage order lines"}
	var commandID, projectID, startDate, endDate string
	var target int
	lineAdd := &cobra.Command{
		Use:   "add",
		Short: "Add an order line to a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.CreateCommandProject(ctx, engine.CommandProjectCreateOptions{
					CommandID: commandID,
					ProjectID: projectID,
					Target:    target,
					StartDate: startDate,
					EndDate:   endDate,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	lineAdd.Flags().StringVar(&commandID, "command", "", "command id")
	lineAdd.Flags().StringVar(&projectID, "project", "", "project id")
	lineAdd.Flags().IntVar(&target, "target", 0, "target quantity")
	lineAdd.Flags().StringVar(&startDate, "start-date", "", "start date YYYY-MM-DD")
	lineAdd.Flags().StringVar(&endDate, "end-date", "", "deadline YYYY-MM-DD")
	line.AddCommand(lineAdd)

	var listCommand string
	lineList := &cobra.Command{
		Use:   "list",
		Short: "List order lines of a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listCommand == "" {
				return fmt.Errorf("--command required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCommandProjects(ctx, listCommand)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Target", "End date", "Status"})
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.ID, cp.ProjectID, cp.Target, cp.EndDate, cp.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	lineList.Flags().StringVar(&listCommand, "command", "", "command id")
	line.AddCommand(lineList)

	var statusLine, status string
	lineStatus := &cobra.Command{
		Use:   "status",
		Short: "Update order line status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusLine == "" || status == "" {
				return fmt.Errorf("--line and --status required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.UpdateCommandProjectStatus(ctx, statusLine, status)
			})
		},
	}
	lineStatus.Flags().StringVar(&statusLine, "line", "", "order line id")
	lineStatus.Flags().StringVar(&status, "status", "", "pending|in_progress|delivered|canceled")
	line.AddCommand(lineStatus)
	cc.AddCommand(line)

	var sprintLine string
	var sprintTarget, sprintDays int
	sprint := &cobra.Command{
		Use:   "sprint",
		Short: "Set the sprint increment of an order line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sprintLine == "" {
				return fmt.Errorf("--line required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSprint(ctx, sprintLine, sprintTarget, sprintDays, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	sprint.Flags().StringVar(&sprintLine, "line", "", "order line id")
	sprint.Flags().IntVar(&sprintTarget, "target", 0, "units per sprint")
	sprint.Flags().IntVar(&sprintDays, "days", 0, "days per sprint")
	cc.AddCommand(sprint)
	return cc
}

func planningCmd() *cobra.Command {
	pl := &cobra.Command{Use: "planning", Short: "Manage plannings"}

	var postID, operatorID, operationID, lineID, startDate, endDate string
	create := &cobra.Command{
		Use:   "create",
		Short: "Book an operator on a post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePlanning(ctx, engine.PlanningOptions{
					PostID:           postID,
					OperatorID:       operatorID,
					OperationID:      operationID,
					CommandProjectID: lineID,
					StartDate:        startDate,
					EndDate:          endDate,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&postID, "post", "", "post id")
	create.Flags().StringVar(&operatorID, "operator", "", "operator id")
	create.Flags().StringVar(&operationID, "operation", "", "operation id")
	create.Flags().StringVar(&lineID, "line", "", "order line id")
	create.Flags().StringVar(&startDate, "start-date", "", "YYYY-MM-DD")
	create.Flags().StringVar(&endDate, "end-date", "", "YYYY-MM-DD (exclusive)")
	pl.AddCommand(create)

	var uPost, uOperator, uOperation, uLine, uStart, uEnd string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Reschedule a planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.Repo.GetPlanning(ctx, args[0])
				if err != nil {
					return err
				}
				opts := engine.PlanningOptions{
					ID:               current.ID,
					PostID:           current.PostID,
					OperatorID:       current.OperatorID,
					OperationID:      current.OperationID,
					CommandProjectID: current.CommandProjectID,
					StartDate:        current.StartDate,
					EndDate:          current.EndDate,
					ActorID:          viper.GetString("actor-id"),
				}
				if uPost != "" {
					opts.PostID = uPost
				}
				if uOperator != "" {
					opts.OperatorID = uOperator
				}
				if uOperation != "" {
					opts.OperationID = uOperation
				}
				if uLine != "" {
					opts.CommandProjectID = uLine
				}
				if uStart != "" {
					opts.StartDate = uStart
				}
				if uEnd != "" {
					opts.EndDate = uEnd
				}
				p, err := e.UpdatePlanning(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	update.Flags().StringVar(&uPost, "post", "", "post id")
	update.Flags().StringVar(&uOperator, "operator", "", "operator id")
	update.Flags().StringVar(&uOperation, "operation", "", "operation id")
	update.Flags().StringVar(&uLine, "line", "", "order line id")
	update.Flags().StringVar(&uStart, "start-date", "", "YYYY-MM-DD")
	update.Flags().StringVar(&uEnd, "end-date", "", "YYYY-MM-DD (exclusive)")
	pl.AddCommand(update)

	pl.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePlanning(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})

	var filterPost, filterOperator, filterLine string
	list := &cobra.Command{
		Use:   "list",
		Short: "List plannings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Planning
					err   error
				)
				switch {
				case filterPost != "":
					items, err = e.Repo.ListPlanningsForPost(ctx, filterPost)
				case filterOperator != "":
					items, err = e.Repo.ListPlanningsForOperator(ctx, filterOperator)
				case filterLine != "":
					items, err = e.Repo.ListPlanningsForCommandProject(ctx, filterLine)
				default:
					return fmt.Errorf("--post, --operator or --line required")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Post", "Operator", "Operation", "Line", "Start", "End"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.PostID, p.OperatorID, p.OperationID, p.CommandProjectID, p.StartDate, p.EndDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterPost, "post", "", "filter by post id")
	list.Flags().StringVar(&filterOperator, "operator", "", "filter by operator id")
	list.Flags().StringVar(&filterLine, "line", "", "filter by order line id")
	pl.AddCommand(list)
	return pl
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Production ledger"}

	var planningID, lineID, postID, operationID, operatorID string
	var count int
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Report completed units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AppendHistory(ctx, engine.HistoryAppendOptions{
					PlanningID:       planningID,
					CommandProjectID: lineID,
					PostID:           postID,
					OperationID:      operationID,
					OperatorID:       operatorID,
					Count:            count,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	appendCmd.Flags().StringVar(&planningID, "planning", "", "planning id (optional)")
	appendCmd.Flags().StringVar(&lineID, "line", "", "order line id")
	appendCmd.Flags().StringVar(&postID, "post", "", "post id")
	appendCmd.Flags().StringVar(&operationID, "operation", "", "operation id")
	appendCmd.Flags().StringVar(&operatorID, "operator", "", "operator id")
	appendCmd.Flags().IntVar(&count, "count", 0, "completed units")
	h.AddCommand(appendCmd)

	var f repo.HistoryFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				items, err := e.Repo.ListHistory(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Line", "Operation", "Operator", "Count", "At"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.ID, entry.CommandProjectID, entry.OperationID, entry.OperatorID, entry.Count, entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.CommandProjectID, "line", "", "order line id")
	list.Flags().StringVar(&f.OperatorID, "operator", "", "operator id")
	list.Flags().StringVar(&f.OperationID, "operation", "", "operation id")
	list.Flags().StringVar(&f.PostID, "post", "", "post id")
	list.Flags().IntVar(&f.Limit, "n", 50, "max entries")
	list.Flags().Int64Var(&f.CursorID, "cursor", 0, "page before this id")
	h.AddCommand(list)
	return h
}

func progressCmd() *cobra.Command {
	var lineID string
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show order line progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lineID == "" {
				return fmt.Errorf("--line required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.OrderLineProgress(ctx, lineID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%d / %d units (%.1f%%)\n", p.Completed, p.Target, p.Percentage)
				if p.Sprint != nil {
					fmt.Printf("sprints: %d of %d complete (%d units per %d days)\n",
						p.Sprint.CompletedSprints, p.Sprint.TotalSprints, p.Sprint.Target, p.Sprint.Days)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lineID, "line", "", "order line id")
	return cmd
}

func heatmapCmd() *cobra.Command {
	var operatorID string
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Show an operator's daily activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operatorID == "" {
				return fmt.Errorf("--operator required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hm, err := e.OperatorHeatmap(ctx, operatorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hm)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Count", "Level", "Planning"})
				for _, day := range hm.Days {
					window := ""
					if day.Planning != nil {
						window = day.Planning.StartDate + ".." + day.Planning.EndDate
					}
					tw.AppendRow(table.Row{day.Date, day.Count, day.Level, window})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator id")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Organization.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}

	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Organization.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	})

	var target, role string
	grant := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Organization.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	grant.Flags().StringVar(&target, "actor", "", "actor id")
	grant.Flags().StringVar(&role, "role", "", "role id")
	cmd.AddCommand(grant)

	var rTarget, rRole string
	revoke := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rTarget == "" || rRole == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Organization.ID, viper.GetString("actor-id"), rTarget, rRole)
			})
		},
	}
	revoke.Flags().StringVar(&rTarget, "actor", "", "actor id")
	revoke.Flags().StringVar(&rRole, "role", "", "role id")
	cmd.AddCommand(revoke)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("api key %s created for %s\nsecret: %s\n", key.ID, actorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "filter by actor id")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("PRODLINE_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("PRODLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Prodline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id header as identity (local use)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
