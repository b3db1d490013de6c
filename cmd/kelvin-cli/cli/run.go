package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kelvindb/kelvin-go"
	kenv "github.com/kelvindb/kelvin-go/internal/env"
)

// runCmd connects, issues a single wire-ready query AST given as a JSON
// array literal, and prints whatever response the core classifies it as.
var runCmd = &cobra.Command{
	Use:   "run <query-ast-json>",
	Short: "Issue one already-built query AST and print the response",
	Long: `run sends a wire-ready query term, the kind the (out-of-scope) query
builder would normally produce, e.g.:

  kelvin-cli run '[1,[1,["foo"]]]'

and prints the resulting atom, sequence, or cursor contents.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	var ast any
	if err := json.Unmarshal([]byte(args[0]), &ast); err != nil {
		return fmt.Errorf("kelvin-cli: query argument is not valid JSON: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := kenv.MakeLogger(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	opts := []kelvin.Option{
		kelvin.WithHost(host),
		kelvin.WithPort(port),
		kelvin.WithAuthKey(authKey),
		kelvin.WithDefaultDB(defaultDB),
		kelvin.WithTokenSeed(tokenSeed),
		kelvin.WithConnectTimeout(connectTimeout()),
		kelvin.WithLogger(log),
	}

	conn, err := kelvin.Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	result, err := conn.Run(ctx, ast)
	if err != nil {
		return renderError(err)
	}
	return renderResult(ctx, result)
}

func renderResult(ctx context.Context, result any) error {
	switch v := result.(type) {
	case *kelvin.Cursor:
		defer func() { _ = v.Close() }()
		n := 0
		for {
			val, ok, err := v.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			pterm.Printf("%d: %s\n", n, prettyJSON(val))
			n++
		}
		pterm.Info.Printf("cursor exhausted after %d value(s)\n", n)
		return nil

	case kelvin.Sequence:
		pterm.DefaultBox.WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Sequence")).
			Println(prettyJSON([]any(v)))
		return nil

	default:
		pterm.Success.Printf("atom: %s\n", prettyJSON(v))
		return nil
	}
}

func renderError(err error) error {
	switch e := err.(type) {
	case *kelvin.ServerError:
		pterm.Error.Printf("%s: %s\n", e.Kind, e.Message)
		return nil
	default:
		return err
	}
}

func prettyJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
