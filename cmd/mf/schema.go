package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"metaflow/internal/app"
	"metaflow/internal/domain"
	"metaflow/internal/schema"
)

func typeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "type", Short: "Manage object types"}
	cmd.AddCommand(typeListCmd())
	cmd.AddCommand(typeGetCmd())
	cmd.AddCommand(typeDefineCmd(false))
	cmd.AddCommand(typeDefineCmd(true))
	cmd.AddCommand(typeDeleteCmd())
	return cmd
}

func typeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List object types",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListObjectTypes(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Display Name", "Properties", "Junction"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.DisplayName, strings.Join(t.Properties.Keys(), ", "), t.IsJunction})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func typeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an object type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetObjectType(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func typeDefineCmd(update bool) *cobra.Command {
	var file string
	use, short := "define", "Define an object type from a JSON or YAML document"
	if update {
		use, short = "update", "Replace an existing object type"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			var t domain.ObjectType
			if err := decodeDocument(file, &t); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var out domain.ObjectType
				if update {
					out, err = a.Engine.UpdateObjectType(ctx, tenantID, actor(), t)
				} else {
					out, err = a.Engine.DefineObjectType(ctx, tenantID, actor(), t)
				}
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document path, - for stdin")
	return cmd
}

func typeDeleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an object type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteObjectType(ctx, tenantID, actor(), args[0], cascade); err != nil {
					return err
				}
				fmt.Printf("deleted object type %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete instances, relationships and attached action types")
	return cmd
}

func relCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rel", Short: "Manage relationships"}
	cmd.AddCommand(relListCmd())
	cmd.AddCommand(relDefineCmd())
	cmd.AddCommand(relDeleteCmd())
	cmd.AddCommand(relPathCmd())
	return cmd
}

func relListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List relationships",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRelationships(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Target", "Cardinality", "Via"})
				for _, r := range items {
					via := r.ForeignKey
					if r.Cardinality == domain.ManyToMany {
						via = r.JunctionTypeID
					}
					tw.AppendRow(table.Row{r.ID, r.SourceTypeID, r.TargetTypeID, r.Cardinality, via})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func relDefineCmd() *cobra.Command {
	var file string
	var rel domain.Relationship
	var cardinality string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Define a relationship from flags or a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			if file != "" {
				if err := decodeDocument(file, &rel); err != nil {
					return err
				}
			} else {
				rel.Cardinality = domain.Cardinality(strings.ToUpper(cardinality))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.DefineRelationship(ctx, tenantID, actor(), rel)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document path, - for stdin")
	cmd.Flags().StringVar(&rel.ID, "id", "", "relationship id")
	cmd.Flags().StringVar(&rel.SourceTypeID, "source", "", "source object type")
	cmd.Flags().StringVar(&rel.TargetTypeID, "target", "", "target object type")
	cmd.Flags().StringVar(&cardinality, "cardinality", "", "ONE_TO_ONE, ONE_TO_MANY or MANY_TO_MANY")
	cmd.Flags().StringVar(&rel.ForeignKey, "foreign-key", "", "reference property on the target type")
	cmd.Flags().StringVar(&rel.JunctionTypeID, "junction", "", "junction object type for MANY_TO_MANY")
	return cmd
}

func relDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a relationship",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteRelationship(ctx, tenantID, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted relationship %s\n", args[0])
				return nil
			})
		},
	}
}

func relPathCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show the shortest relationship path between two object types",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				path, err := a.Engine.FindPath(ctx, tenantID, from, to)
				if err != nil {
					return err
				}
				steps := []string{from}
				for _, h := range path {
					steps = append(steps, fmt.Sprintf("-[%s]-> %s", h.Relationship.ID, h.To()))
				}
				fmt.Println(strings.Join(steps, " "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source object type")
	cmd.Flags().StringVar(&to, "to", "", "target object type")
	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Import schema bundles"}
	cmd.AddCommand(schemaImportCmd())
	return cmd
}

func schemaImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import object types, relationships and action types in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			data, err := readDocument(file)
			if err != nil {
				return err
			}
			b, err := schema.DecodeBundle(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ImportBundle(ctx, tenantID, actor(), b)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %d object types, %d relationships, %d action types\n",
					res.ObjectTypes, res.Relationships, res.ActionTypes)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "bundle path, - for stdin")
	return cmd
}
