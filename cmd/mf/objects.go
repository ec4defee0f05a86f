package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"metaflow/internal/app"
	"metaflow/internal/dispatch"
	"metaflow/internal/domain"
	"metaflow/internal/graph"
	"metaflow/internal/proptype"
	"metaflow/internal/repo"
)

func actionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "Manage and run action types"}
	cmd.AddCommand(actionListCmd())
	cmd.AddCommand(actionGetCmd())
	cmd.AddCommand(actionDefineCmd(false))
	cmd.AddCommand(actionDefineCmd(true))
	cmd.AddCommand(actionDeleteCmd())
	cmd.AddCommand(actionRunCmd())
	cmd.AddCommand(actionAvailableCmd())
	return cmd
}

func actionListCmd() *cobra.Command {
	var objectType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action types in display order",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.ActionType
				if objectType == "" {
					items, err = a.Engine.ListActions(ctx, tenantID)
				} else {
					items, err = a.Engine.ListActionTypes(ctx, tenantID, objectType)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "ID", "Display Name", "Object Type", "Execution", "Parameters"})
				for _, at := range items {
					names := make([]string, 0, len(at.Parameters))
					for _, p := range at.Parameters {
						names = append(names, p.Name)
					}
					tw.AppendRow(table.Row{at.DisplayOrder, at.ID, at.DisplayName, at.ObjectTypeID, at.ExecutionType, strings.Join(names, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&objectType, "object-type", "", "only action types attached to this object type")
	return cmd
}

func actionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an action type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				at, err := a.Engine.GetActionType(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSON(at)
			})
		},
	}
}

func actionDefineCmd(update bool) *cobra.Command {
	var file string
	use, short := "define", "Define an action type from a JSON or YAML document"
	if update {
		use, short = "update", "Replace an existing action type"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			var at domain.ActionType
			if err := decodeDocument(file, &at); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var out domain.ActionType
				if update {
					out, err = a.Engine.UpdateActionType(ctx, tenantID, actor(), at)
				} else {
					out, err = a.Engine.DefineActionType(ctx, tenantID, actor(), at)
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

func actionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an action type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteActionType(ctx, tenantID, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted action type %s\n", args[0])
				return nil
			})
		},
	}
}

func actionRunCmd() *cobra.Command {
	var params []string
	var paramsJSON, objectID string
	var atomic bool
	cmd := &cobra.Command{
		Use:   "run <action-type-id>",
		Short: "Execute an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			values, err := parseAssignments(params)
			if err != nil {
				return err
			}
			if err := mergeJSON(values, paramsJSON); err != nil {
				return err
			}
			if objectID != "" {
				values[domain.TargetParam] = objectID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ExecuteAction(ctx, dispatch.Request{
					TenantID:     tenantID,
					ActionTypeID: args[0],
					ActorID:      actor(),
					Parameters:   values,
					Atomic:       atomic,
				})
				if err != nil {
					var pe *domain.ParameterValidationError
					if errors.As(err, &pe) && !viper.GetBool("json") {
						for _, issue := range pe.Issues {
							fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Name, issue.Reason)
						}
					}
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("action %s did not succeed", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&objectID, "object", "", "target object id")
	cmd.Flags().BoolVar(&atomic, "atomic", false, "roll back every rule when one fails")
	return cmd
}

func actionAvailableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available <object-id>",
		Short: "Classify every action attached to the object's type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GetAvailableActionsForObject(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "Display Name", "Classification", "Reason"})
				for _, av := range items {
					tw.AppendRow(table.Row{av.ActionTypeID, av.DisplayName, av.Classification, av.FailureReason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func objCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "obj", Short: "Manage object instances"}
	cmd.AddCommand(objListCmd())
	cmd.AddCommand(objGetCmd())
	cmd.AddCommand(objCreateCmd())
	cmd.AddCommand(objPatchCmd())
	cmd.AddCommand(objDeleteCmd())
	cmd.AddCommand(objRelatedCmd())
	return cmd
}

func objListCmd() *cobra.Command {
	var f repo.ObjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List object instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListObjects(ctx, tenantID, f)
				if err != nil {
					return err
				}
				return printObjects(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ObjectTypeID, "type", "", "object type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum number of instances")
	return cmd
}

func printObjects(items []domain.Object) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Fields", "Updated"})
	for _, o := range items {
		keys := make([]string, 0, len(o.Fields))
		for k := range o.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+proptype.Format(o.Fields[k]))
		}
		tw.AppendRow(table.Row{o.ID, o.ObjectTypeID, strings.Join(parts, " "), o.UpdatedAt})
	}
	tw.Render()
	return nil
}

func objGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an object instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.GetObject(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
}

func objCreateCmd() *cobra.Command {
	var id, objectType, fieldsJSON string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an object instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			values, err := parseAssignments(fields)
			if err != nil {
				return err
			}
			if err := mergeJSON(values, fieldsJSON); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.CreateObject(ctx, tenantID, actor(), domain.Object{ID: id, ObjectTypeID: objectType, Fields: values})
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id (generated when empty)")
	cmd.Flags().StringVar(&objectType, "type", "", "object type")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "fields as a JSON object")
	return cmd
}

func objPatchCmd() *cobra.Command {
	var fieldsJSON string
	var fields []string
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Merge fields into an object instance; null removes a field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			values, err := parseAssignments(fields)
			if err != nil {
				return err
			}
			if err := mergeJSON(values, fieldsJSON); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.PatchObject(ctx, tenantID, actor(), args[0], values)
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "fields as a JSON object")
	return cmd
}

func objDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an object instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteObject(ctx, tenantID, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted object %s\n", args[0])
				return nil
			})
		},
	}
}

func objRelatedCmd() *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "related <id> <relationship-id>",
		Short: "List instances related through a relationship",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := tenant()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dir := graph.DirectionAuto
				if reverse {
					dir = graph.DirectionReverse
				}
				items, err := a.Engine.ResolveRelated(ctx, tenantID, args[0], args[1], dir)
				if err != nil {
					return err
				}
				return printObjects(items)
			})
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "follow the relationship from target to source")
	return cmd
}
