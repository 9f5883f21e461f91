package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Job cards",
		Long:  "A job card lists the repair items for one vehicle visit. It waits for verification before work can start.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobVerifyCmd())
	job.AddCommand(jobEstimateCmd())
	job.AddCommand(jobRejectionsCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var id, notes string
	var cust domain.Customer
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a job card",
		Example: `  jl job create --customer "Ana Ruiz" --phone "+1 555 0100" --plate ABC-123 \
    --item "Replace brake pads;general;1.5;1;High"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateJobOptions{ID: id, Customer: cust, Notes: notes, ActorID: actor()}
			for _, raw := range items {
				in, err := parseItem(raw)
				if err != nil {
					return err
				}
				opts.Items = append(opts.Items, in)
			}
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				opts.ShopID = shopID
				job, err := e.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				printJob(job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&cust.ID, "customer-id", "", "customer reference")
	cmd.Flags().StringVar(&cust.Name, "customer", "", "customer name")
	cmd.Flags().StringVar(&cust.Phone, "phone", "", "customer phone")
	cmd.Flags().StringVar(&cust.Email, "email", "", "customer email")
	cmd.Flags().StringVar(&cust.Vehicle.Plate, "plate", "", "vehicle plate")
	cmd.Flags().StringVar(&cust.Vehicle.Make, "make", "", "vehicle make")
	cmd.Flags().StringVar(&cust.Vehicle.Model, "model", "", "vehicle model")
	cmd.Flags().IntVar(&cust.Vehicle.Year, "year", 0, "vehicle year")
	cmd.Flags().StringVar(&cust.Vehicle.VIN, "vin", "", "vehicle VIN")
	cmd.Flags().Int64Var(&cust.Vehicle.Odometer, "odometer", 0, "odometer reading")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item as description;category;hours;workers[;priority[;job_type]] (repeatable)")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				f.ShopID = shopID
				jobs, err := e.ListJobs(ctx, f, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable("Card", "ID", "Customer", "Plate", "Status", "Estimated", "Actual")
				for _, j := range jobs {
					tw.AppendRow([]any{j.JobCardNumber, j.ID, j.Customer.Name, j.Customer.Vehicle.Plate, j.Status,
						j.EstimatedTotal.StringFixed(2), j.ActualTotal.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max jobs")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with live timers and costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetJobView(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				printJob(view.Job)
				tw := newTable("Item", "Assignment", "Kind", "Resource", "State", "Elapsed")
				for _, a := range view.Assignments {
					tw.AppendRow([]any{short(a.ItemID), a.AssignmentID, a.Kind, a.ResourceID, a.State,
						(time.Duration(a.ElapsedSeconds) * time.Second).String()})
				}
				tw.Render()
				fmt.Printf("Estimated %s  Actual %s  (as of %s)\n",
					view.Costs.Estimated.StringFixed(2), view.Costs.Actual.StringFixed(2), view.AsOf.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func jobVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <job-id>",
		Short: "Release a waiting job to the floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.VerifyJob(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	}
}

func jobEstimateCmd() *cobra.Command {
	var category, hours string
	var workers int
	cmd := &cobra.Command{
		Use:   "estimate <job-id> <item-id>",
		Short: "Change an item's labor estimate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateItemEstimateOptions{JobID: args[0], ItemID: args[1], ActorID: actor()}
			if cmd.Flags().Changed("category") {
				opts.LaborCategory = &category
			}
			if cmd.Flags().Changed("hours") {
				h, err := parseDecimalFlag("hours", hours)
				if err != nil {
					return err
				}
				opts.EstimatedManHours = &h
			}
			if cmd.Flags().Changed("workers") {
				opts.WorkersAllowed = &workers
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.UpdateItemEstimate(ctx, opts)
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "labor category")
	cmd.Flags().StringVar(&hours, "hours", "", "estimated man-hours")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers allowed")
	return cmd
}

func jobRejectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rejections <job-id>",
		Short: "Show the rejection audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				audits, err := e.ListRejections(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(audits)
				}
				tw := newTable("When", "Item", "By", "Reason")
				for _, a := range audits {
					tw.AppendRow([]any{a.TS.Format(time.RFC3339), short(a.ItemID), a.RejectedBy, a.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assign", Short: "Assign workers and machines to items"}

	worker := &cobra.Command{
		Use:   "worker <job-id> <item-id> <worker-id>",
		Short: "Assign a worker",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignWorker(ctx, args[0], args[1], args[2], actor())
				if err != nil {
					return err
				}
				return printRecord(a)
			})
		},
	}

	var hours string
	machine := &cobra.Command{
		Use:   "machine <job-id> <item-id> <machine-id>",
		Short: "Assign a machine",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AssignMachineOptions{JobID: args[0], ItemID: args[1], MachineID: args[2], ActorID: actor()}
			if hours != "" {
				h, err := parseDecimalFlag("hours", hours)
				if err != nil {
					return err
				}
				opts.EstimatedHours = h
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignMachine(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(a)
			})
		},
	}
	machine.Flags().StringVar(&hours, "hours", "", "estimated machine hours")

	var asMachine bool
	remove := &cobra.Command{
		Use:   "remove <job-id> <item-id> <resource-id>",
		Short: "Remove a worker or machine (--machine) from an item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if asMachine {
					return e.RemoveMachine(ctx, args[0], args[1], args[2], actor())
				}
				return e.RemoveWorker(ctx, args[0], args[1], args[2], actor())
			})
		},
	}
	remove.Flags().BoolVar(&asMachine, "machine", false, "resource is a machine")

	cmd.AddCommand(worker, machine, remove)
	return cmd
}

func timerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Operate assignment timers",
		Long:  "Start on a running timer and stop on a stopped timer are no-ops. A stopped timer cannot be restarted.",
	}
	for _, name := range []string{"start", "pause", "stop"} {
		name := name
		cmd.AddCommand(&cobra.Command{
			Use:   name + " <job-id> <item-id> <assignment-id>",
			Short: name + " a timer",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					run := e.StartTimer
					switch name {
					case "pause":
						run = e.PauseTimer
					case "stop":
						run = e.StopTimer
					}
					t, err := run(ctx, args[0], args[1], args[2], actor())
					if err != nil {
						return err
					}
					return printRecord(t)
				})
			},
		})
	}
	return cmd
}

func consumableCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "consumable", Short: "Record consumables used on items"}

	var catalogID, name, price, qty string
	use := &cobra.Command{
		Use:   "use <job-id> <item-id>",
		Short: "Record a catalog (--id) or manual (--name, --unit-price) consumable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseDecimalFlag("qty", qty)
			if err != nil {
				return err
			}
			in := engine.ConsumableInput{JobID: args[0], ItemID: args[1], ConsumableID: catalogID, Quantity: q, ActorID: actor()}
			if catalogID == "" {
				unit, err := parseDecimalFlag("unit-price", price)
				if err != nil {
					return err
				}
				in.Manual = &engine.ManualConsumable{Name: name, UnitPrice: unit}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.AddConsumableUsage(ctx, in)
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	use.Flags().StringVar(&catalogID, "id", "", "catalog consumable id")
	use.Flags().StringVar(&name, "name", "", "manual consumable name")
	use.Flags().StringVar(&price, "unit-price", "", "manual unit price")
	use.Flags().StringVar(&qty, "qty", "1", "quantity used")

	var setQty string
	set := &cobra.Command{
		Use:   "set <job-id> <item-id> <usage-id>",
		Short: "Change the quantity of a recorded consumable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseDecimalFlag("qty", setQty)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateConsumableQuantity(ctx, args[0], args[1], args[2], q, actor())
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	set.Flags().StringVar(&setQty, "qty", "", "new quantity")
	_ = set.MarkFlagRequired("qty")

	cmd.AddCommand(use, set)
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Supervisor approval, QA and rejection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <job-id>",
		Short: "Supervisor sign-off of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.SupervisorApprove(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "good <job-id> <item-id>",
		Short: "Mark an item as passing QA",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.QAMarkGood(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	})

	var notes string
	needsWork := &cobra.Command{
		Use:   "needs-work <job-id> <item-id>",
		Short: "Fail an item in QA; the job is rejected back to the floor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.QAMarkNeedsWork(ctx, args[0], args[1], actor(), notes)
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	}
	needsWork.Flags().StringVar(&notes, "notes", "", "what needs fixing")
	_ = needsWork.MarkFlagRequired("notes")

	var reason string
	reject := &cobra.Command{
		Use:   "reject <job-id>",
		Short: "Reject a supervisor-approved job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.RejectJob(ctx, args[0], reason, actor())
				if err != nil {
					return err
				}
				return printJobResult(job)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = reject.MarkFlagRequired("reason")

	cmd.AddCommand(needsWork, reject)
	return cmd
}

func printJobResult(job domain.Job) error {
	if viper.GetBool("json") {
		return printJSON(job)
	}
	printJob(job)
	return nil
}

func printJob(job domain.Job) {
	fmt.Printf("%s  %s  [%s]\n", job.JobCardNumber, job.ID, job.Status)
	fmt.Printf("Customer: %s  %s  %s\n", job.Customer.Name, job.Customer.Vehicle.Plate, job.Customer.Phone)
	tw := newTable("Item", "Description", "Category", "Hours", "Workers", "Status", "QA", "Estimate")
	for _, it := range job.Items {
		tw.AppendRow([]any{it.ID, it.Description, it.LaborCategory, it.EstimatedManHours.String(),
			fmt.Sprintf("%d/%d", len(it.Workers), it.WorkersAllowed), it.Status, it.Quality.Status, it.EstimatedPrice.StringFixed(2)})
	}
	tw.AppendFooter([]any{"", "", "", "", "", "", "Total", job.EstimatedTotal.StringFixed(2)})
	tw.Render()
	if job.ActualTotal.GreaterThan(decimal.Zero) {
		fmt.Printf("Actual so far: %s\n", job.ActualTotal.StringFixed(2))
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
