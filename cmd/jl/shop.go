package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/repo"
)

func initCmd() *cobra.Command {
	var shopID, name, file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a shop in the workspace",
		Long:  "Creates the workspace database and a shop owned by --actor-id. Without --config the default rate tables and roles are used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			shopID = strings.TrimSpace(shopID)
			if shopID == "" {
				return fmt.Errorf("--shop-id required")
			}
			var cfg *config.Config
			if file != "" {
				loaded, err := config.FromFile(file)
				if err != nil {
					return err
				}
				cfg = loaded
				cfg.Shop.ID = shopID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.InitShop(ctx, shopID, name, cfg, actor())
				if err != nil {
					return err
				}
				envPath := filepath.Join(viper.GetString("workspace"), envFile)
				if err := setEnvValue(envPath, "JOBLINE_SHOP", s.ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Shop %s (%s) ready; %s owns it.\n", s.ID, s.Name, actor())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shopID, "shop-id", "", "new shop id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&file, "config", "", "YAML shop config to start from")
	return cmd
}

func shopCmd() *cobra.Command {
	shop := &cobra.Command{Use: "shop", Short: "Shops and their configuration"}
	shop.AddCommand(shopListCmd())
	shop.AddCommand(shopUseCmd())
	shop.AddCommand(shopStatusCmd())
	cfg := &cobra.Command{Use: "config", Short: "Shop config (rates, roles, webhooks)"}
	cfg.AddCommand(shopConfigShowCmd())
	cfg.AddCommand(shopConfigImportCmd())
	cfg.AddCommand(shopConfigTemplateCmd())
	shop.AddCommand(cfg)
	return shop
}

func shopListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List shops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				shops, err := e.Repo.ListShops(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(shops)
				}
				tw := newTable("ID", "Name", "Status", "Created")
				for _, s := range shops {
					tw.AppendRow([]any{s.ID, s.Name, s.Status, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func shopUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <shop-id>",
		Short: "Set the default shop for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetShop(ctx, args[0]); err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(viper.GetString("workspace"), envFile), "JOBLINE_SHOP", args[0]); err != nil {
					return err
				}
				fmt.Printf("Default shop set to %s\n", args[0])
				return nil
			})
		},
	}
}

func shopStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				counts, err := e.Repo.CountJobsByStatus(ctx, shopID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"shop_id": shopID, "job_counts": counts})
				}
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				fmt.Printf("Shop: %s\n", shopID)
				for _, s := range statuses {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
}

func shopConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the shop config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				cfg, err := e.Repo.GetShopConfig(ctx, shopID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func shopConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the shop config from a YAML file",
		Long:  "Rates changed here apply to new assignments only; existing assignments keep their snapshotted rate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				cfg.Shop.ID = shopID
				if err := e.UpdateShopConfig(ctx, shopID, cfg, actor()); err != nil {
					return err
				}
				fmt.Printf("Config for %s updated\n", shopID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func shopConfigTemplateCmd() *cobra.Command {
	var shopID string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print a default config to start editing from",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(shopID))
			return nil
		},
	}
	cmd.Flags().StringVar(&shopID, "shop-id", "my-shop", "shop id to embed")
	return cmd
}

func employeeCmd() *cobra.Command {
	emp := &cobra.Command{Use: "employee", Short: "Shop employees"}
	var id, name, spec string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				out, err := e.RegisterEmployee(ctx, domain.Employee{ID: id, ShopID: shopID, Name: name, Specialization: spec}, actor())
				if err != nil {
					return err
				}
				return printRecord(out)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "employee id (generated when empty)")
	add.Flags().StringVar(&name, "name", "", "full name")
	add.Flags().StringVar(&spec, "specialization", "", "trade or specialization")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				items, err := e.Repo.ListEmployees(ctx, shopID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Specialization")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.Name, it.Specialization})
				}
				tw.Render()
				return nil
			})
		},
	}
	emp.AddCommand(add, list)
	return emp
}

func machineCmd() *cobra.Command {
	m := &cobra.Command{Use: "machine", Short: "Shop machines"}
	var id, name, typ string
	var unavailable bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				out, err := e.RegisterMachine(ctx, domain.Machine{ID: id, ShopID: shopID, Name: name, Type: typ, IsAvailable: !unavailable}, actor())
				if err != nil {
					return err
				}
				return printRecord(out)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "machine id (generated when empty)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&typ, "type", "", "machine category, e.g. lift or paint_booth")
	add.Flags().BoolVar(&unavailable, "unavailable", false, "mark out of service")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("type")

	list := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				items, err := e.Repo.ListMachines(ctx, shopID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Type", "Available")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.Name, it.Type, it.IsAvailable})
				}
				tw.Render()
				return nil
			})
		},
	}
	m.AddCommand(add, list)
	return m
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Consumable catalog"}
	var id, name, price string
	var unavailable bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a catalog consumable",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := parseDecimalFlag("unit-price", price)
			if err != nil {
				return err
			}
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				out, err := e.RegisterConsumable(ctx, domain.ConsumableEntry{ID: id, ShopID: shopID, Name: name, UnitPrice: unit, Available: !unavailable}, actor())
				if err != nil {
					return err
				}
				return printRecord(out)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "consumable id (generated when empty)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&price, "unit-price", "", "price per unit")
	add.Flags().BoolVar(&unavailable, "unavailable", false, "hide from new usage")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("unit-price")

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog consumables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				items, err := e.Repo.ListConsumables(ctx, shopID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Unit price", "Available")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.Name, it.UnitPrice.StringFixed(2), it.Available})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(add, list)
	return c
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				who, err := e.WhoAmI(ctx, shopID, actor())
				if err != nil {
					return err
				}
				return printRecord(who)
			})
		},
	})
	for _, grant := range []bool{true, false} {
		grant := grant
		var target, role string
		use, short := "revoke-role", "Revoke role from actor"
		if grant {
			use, short = "grant-role", "Grant role to actor"
		}
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
					if grant {
						return e.GrantRole(ctx, shopID, actor(), target, role)
					}
					return e.RevokeRole(ctx, shopID, actor(), target, role)
				})
			},
		}
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "role id")
		_ = c.MarkFlagRequired("actor")
		_ = c.MarkFlagRequired("role")
		cmd.AddCommand(c)
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for shop terminals"}
	var target, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				key, raw, err := e.CreateAPIKey(ctx, shopID, actor(), target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label, e.g. bay-2 terminal")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor id")
	_ = list.MarkFlagRequired("actor")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				who, err := e.WhoAmI(ctx, shopID, actor())
				if err != nil {
					return err
				}
				if !contains(who.Permissions, "shop.admin") {
					return fmt.Errorf("%w: %s lacks shop.admin", domain.ErrUnauthorized, actor())
				}
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every job, assignment, timer and review change, newest first.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShop(cmd.Context(), func(ctx context.Context, e engine.Engine, shopID string) error {
				f.ShopID = shopID
				events, err := e.ListEvents(ctx, f, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow([]any{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func contains(list []string, v string) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}
