// =============================================================================
// KBRetrieval 命令行入口
// =============================================================================
// 使用方法:
//
//	kbretrieval query --tenant t1 "Que exige ISO 9001 7.5.3?"
//	kbretrieval query --config config.yaml --scope global --k 5 --trace "..."
//	kbretrieval health --config config.yaml
//	kbretrieval version
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval"
	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/rag"
	"github.com/BaSui01/kbretrieval/types"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "query":
		return runQuery(ctx, args[1:], stdout, stderr)
	case "health":
		return runHealth(ctx, args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// =============================================================================
// 🔍 query 命令
// =============================================================================

func runQuery(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	tenant := fs.String("tenant", "", "Tenant id (institutional scope)")
	scope := fs.String("scope", "", "Scope type: institutional or global")
	standard := fs.String("standard", "", "Restrict to one source standard")
	k := fs.Int("k", 0, "Number of results (0 uses config)")
	mode := fs.String("mode", "", "Engine mode override: atomic or hybrid")
	withTrace := fs.Bool("trace", false, "Include the retrieval trace")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(stderr, "query text is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	rt, err := kbretrieval.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open runtime: %v\n", err)
		return 1
	}
	defer closeRuntime(rt, stderr)

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if *tenant != "" {
		ctx = types.WithTenantID(ctx, *tenant)
	}

	req := rag.BrokerRequest{
		Query: query,
		Scope: rag.ScopeContext{
			Type:           rag.ScopeType(*scope),
			TenantID:       *tenant,
			SourceStandard: *standard,
		},
		K:            *k,
		IncludeTrace: *withTrace,
	}
	if *mode != "" {
		req.EngineMode = rag.ParseEngineMode(*mode)
	}

	resp, err := rt.Retrieve(ctx, req)
	if err != nil {
		rt.Logger().Error("retrieval failed", zap.Error(err))
		fmt.Fprintf(stderr, "Retrieval failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(stderr, "Failed to encode response: %v\n", err)
		return 1
	}
	return 0
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealth(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	rt, err := kbretrieval.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer closeRuntime(rt, stderr)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// loadConfig 加载配置；日志统一写到 stderr，stdout 只输出结果
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cfg.Log.OutputPaths = []string{"stderr"}
	return cfg, nil
}

func closeRuntime(rt *kbretrieval.Runtime, stderr io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		fmt.Fprintf(stderr, "Shutdown error: %v\n", err)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "KBRetrieval %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `KBRetrieval - multi-tenant hybrid retrieval

Usage:
  kbretrieval <command> [options]

Commands:
  query     Run one retrieval and print the results as JSON
  health    Check database and redis connectivity
  version   Show version information
  help      Show this help message

Options for 'query':
  --config <path>     Path to configuration file (YAML)
  --tenant <id>       Tenant id; also set as the ambient tenant
  --scope <type>      institutional or global
  --standard <name>   Restrict to one source standard
  --k <n>             Number of results
  --mode <mode>       atomic or hybrid
  --trace             Include the retrieval trace
  --timeout <dur>     Request timeout (default 30s)

Examples:
  kbretrieval query --tenant acme "Que exige ISO 9001 7.5.3?"
  kbretrieval query --scope global --trace "Compara ISO 45001 8.1.2 con ISO 14001 8.1"
  kbretrieval health --config /etc/kbretrieval/config.yaml`)
}
