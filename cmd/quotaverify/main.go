// Command quotaverify checks cocoa delivery manifests against farmer quotas and
// lot weight rules, and issues approval certificates for accepted uploads.
//
// Usage:
//
//	quotaverify verify [-policy single|per_exporter] [-json] <file>
//	quotaverify serve [-addr :8080]
//	quotaverify refresh
//	quotaverify farmers <file.csv>
//	quotaverify certificate [-o file.pdf] <approval-id>
//
// Exit codes: 0 approved, 2 rejected upload or usage error, 1 operational failure.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cocoaquota/internal/config"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitRejected = 2
)

var (
	exitFunc   = os.Exit
	loadConfig = config.Load
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitRejected
	}
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuration: %v\n", err)
		return exitFailure
	}
	switch args[0] {
	case "verify":
		return runVerify(ctx, cfg, args[1:], stdout, stderr)
	case "serve":
		return runServe(ctx, cfg, args[1:], stderr)
	case "refresh":
		return runRefresh(ctx, cfg, stdout, stderr)
	case "farmers":
		return runFarmers(ctx, cfg, args[1:], stdout, stderr)
	case "certificate":
		return runCertificate(ctx, cfg, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitRejected
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `usage: quotaverify <command> [flags]

commands:
  verify [-policy single|per_exporter] [-json] <file>   reconcile one manifest
  serve [-addr :8080]                                    run the HTTP upload service
  refresh                                                refresh the quota view once
  farmers <file.csv>                                     import farmer_id,max_quota_kg rows
  certificate [-o file.pdf] <approval-id>                write an archived certificate
`)
}
