package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/logging"
	"github.com/irfndi/optiroute/internal/models"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "OptiRoute complexity analysis and routing engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: optiroute <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the HTTP API (default)")
	fmt.Fprintln(w, "  route <text>          Analyze and route one request, print the decision")
	fmt.Fprintln(w, "  catalog               List the models in the active catalog")
	fmt.Fprintln(w, "  migrate               Apply database migrations and optionally seed the catalog")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Route flags:")
	fmt.Fprintln(w, "  --org <id>            Organization id")
	fmt.Fprintln(w, "  --session <id>        Session id for model affinity")
	fmt.Fprintln(w, "  --entity <type>       platform_chat, agent_session, workflow_execution, workspace_chat, rag_query")
	fmt.Fprintln(w, "  --strategy <name>     cost_first, quality_first, performance_first, balanced")
	fmt.Fprintln(w, "  --max-tokens <n>      Expected output tokens")
	fmt.Fprintln(w, "  --fast | --cheap | --critical")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, `  optiroute route "Summarize this contract" --org acme --strategy quality_first`)
	fmt.Fprintln(w, "  optiroute catalog --type chat")
	fmt.Fprintln(w, "  optiroute migrate --seed catalog.yaml")
}

type routeArgs struct {
	text     string
	strategy models.Strategy
	rc       models.RequestContext
}

func parseRouteArgs(args []string) (routeArgs, error) {
	var out routeArgs
	var words []string

	value := func(i int, flag string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--org", "--session", "--entity", "--strategy", "--max-tokens":
			v, err := value(i, arg)
			if err != nil {
				return out, err
			}
			i++
			switch arg {
			case "--org":
				out.rc.OrganizationID = v
			case "--session":
				out.rc.SessionID = v
			case "--entity":
				out.rc.EntityType = models.EntityType(v)
			case "--strategy":
				s, ok := models.ParseStrategy(v)
				if !ok {
					return out, fmt.Errorf("unknown strategy: %s", v)
				}
				out.strategy = s
			case "--max-tokens":
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return out, fmt.Errorf("invalid max-tokens value: %s", v)
				}
				out.rc.MaxTokens = n
			}
		case "--fast":
			out.rc.RequireFastResponse = true
		case "--cheap":
			out.rc.CostSensitive = true
		case "--critical":
			out.rc.QualityCritical = true
		default:
			if strings.HasPrefix(arg, "--") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			words = append(words, arg)
		}
	}

	out.text = strings.TrimSpace(strings.Join(words, " "))
	if out.text == "" {
		return out, fmt.Errorf("missing request text")
	}
	return out, nil
}

// runRouteCLI routes a single request with the configured pipeline and
// prints the result as JSON. Nothing is executed against a provider.
func runRouteCLI(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return routeCommand(context.Background(), cfg, cliLogger(cfg), args, os.Stdout)
}

func routeCommand(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger, args []string, out io.Writer) error {
	parsed, err := parseRouteArgs(args)
	if err != nil {
		return err
	}

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.orchestrator.AnalyzeAndRoute(ctx, parsed.text, &parsed.rc, parsed.strategy)
	if err != nil {
		return fmt.Errorf("routing failed: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runCatalogCLI prints the active models of the configured catalog.
func runCatalogCLI(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return catalogCommand(context.Background(), cfg, cliLogger(cfg), args, os.Stdout)
}

func catalogCommand(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger, args []string, out io.Writer) error {
	apiType := models.APITypeChat
	for i := 0; i < len(args); i++ {
		if args[i] == "--type" && i+1 < len(args) {
			apiType = models.APIType(args[i+1])
			i++
		}
	}

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	list, err := app.catalog.ActiveModels(ctx, apiType)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ProviderID != list[j].ProviderID {
			return list[i].ProviderID < list[j].ProviderID
		}
		return list[i].ModelName < list[j].ModelName
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tINPUT/1K\tOUTPUT/1K\tCONTEXT\tCAPABILITIES")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ProviderID, m.ModelName, m.InputPrice.String(), m.OutputPrice.String(),
			m.ContextWindow, strings.Join(m.Capabilities, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d %s models\n", len(list), apiType)
	return nil
}

// cliLogger keeps subcommand output clean unless debug logging is asked for.
func cliLogger(cfg *config.Config) *logging.StandardLogger {
	level := "warn"
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = "debug"
	}
	return logging.NewStandardLogger(level, cfg.Environment)
}
