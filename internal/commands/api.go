package commands

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/opf/opcli/internal/appctx"
	"github.com/opf/opcli/internal/output"
)

// NewAPICmd creates the api command for raw API access.
func NewAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api <verb> <path>",
		Short: "Raw API access",
		Long:  "Make raw API requests to any endpoint. Useful for operations not covered by dedicated commands.",
	}

	cmd.AddCommand(
		newAPIGetCmd(),
		newAPIPostCmd(),
		newAPIPatchCmd(),
		newAPIDeleteCmd(),
	)

	return cmd
}

func newAPIGetCmd() *cobra.Command {
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET request to API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			resp, err := app.API.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jqExpr != "" {
				return writeFiltered(app, resp.Data, jqExpr)
			}
			return app.OK(resp.Data)
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the response with a jq expression")

	return cmd
}

func newAPIPostCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "post <path>",
		Short: "POST request to API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			body, err := parseBody(data)
			if err != nil {
				return err
			}
			resp, err := app.API.Post(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return app.OK(resp.Data)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body (required)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func newAPIPatchCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "patch <path>",
		Short: "PATCH request to API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			body, err := parseBody(data)
			if err != nil {
				return err
			}
			resp, err := app.API.Patch(cmd.Context(), args[0], body)
			if err != nil {
				return err
			}
			return app.OK(resp.Data)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body (required)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func newAPIDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "DELETE request to API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			resp, err := app.API.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return app.OK(resp.Data)
		},
	}
}

func parseBody(data string) (any, error) {
	if data == "" {
		return nil, output.ErrUsage("--data is required")
	}
	var body any
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, output.ErrUsageHint("Invalid JSON data", fmt.Sprintf("JSON parse error: %v", err))
	}
	return body, nil
}

// writeFiltered runs the response body through a jq expression and outputs
// each produced value.
func writeFiltered(app *appctx.App, data json.RawMessage, jqExpr string) error {
	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return output.ErrUsageHint("Invalid jq expression", err.Error())
	}

	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return output.ErrDecode(err)
	}

	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return output.ErrUsageHint("jq evaluation failed", err.Error())
		}
		if err := app.OK(v); err != nil {
			return err
		}
	}
	return nil
}
