package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/internal/adapters/httpapi"
	"cocoaquota/internal/blob"
	"cocoaquota/internal/certificate"
	"cocoaquota/internal/config"
	"cocoaquota/internal/jobs"
	"cocoaquota/internal/pipeline"
	"cocoaquota/pkg/domain"
)

func runVerify(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	policy := fs.String("policy", "", "exporter policy: single or per_exporter (default from config)")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitRejected
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "verify needs exactly one manifest file")
		return exitRejected
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path) // #nosec G304: operator supplied manifest
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return exitFailure
	}

	a, err := newApp(ctx, cfg, stderr, *policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.Close()
	a.refreshOnStart(ctx)

	report, verr := a.verifier.VerifyFile(ctx, filepath.Base(path), content)
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return exitFailure
		}
	} else {
		printReport(stdout, report, verr)
	}
	switch {
	case verr == nil:
		return exitOK
	case pipeline.IsValidation(verr):
		return exitRejected
	default:
		if *asJSON {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", verr)
		}
		return exitFailure
	}
}

func runServe(ctx context.Context, cfg config.Config, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.HTTP.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return exitRejected
	}
	a, err := newApp(ctx, cfg, stderr, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.Close()
	a.refreshOnStart(ctx)

	if target, ok := a.store.(domain.ViewRefresher); ok {
		refresher, err := jobs.NewRefresher(target, cfg.RefresherConfig(), a.logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "refresh job: %v\n", err)
			return exitFailure
		}
		refresher.Start()
		defer refresher.Stop()
	}

	router := httpapi.NewRouter(a.verifier,
		httpapi.WithGatherer(a.registry),
		httpapi.WithCertificates(a.certs),
		httpapi.WithMaxUploadBytes(cfg.HTTP.MaxUploadBytes),
		httpapi.WithLogger(a.logger),
		httpapi.WithHealthCheck(func(ctx context.Context) error {
			_, err := a.store.ListFarmerIDs(ctx, "", 1)
			return err
		}),
	)
	srv := &http.Server{Addr: *addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("listening", "addr", *addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server failed", "error", err)
			return exitFailure
		}
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("shutdown", "error", err)
			return exitFailure
		}
	}
	return exitOK
}

func runRefresh(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) int {
	a, err := newApp(ctx, cfg, stderr, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.Close()
	if err := jobs.RefreshOnce(ctx, a.store, a.logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "refresh: %v\n", err)
		return exitFailure
	}
	_, _ = fmt.Fprintln(stdout, "quota view refreshed")
	return exitOK
}

func runFarmers(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "farmers needs exactly one CSV file")
		return exitRejected
	}
	f, err := os.Open(args[0]) // #nosec G304: operator supplied registry file
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open farmers: %v\n", err)
		return exitFailure
	}
	defer func() { _ = f.Close() }()
	farmers, err := readFarmers(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "parse farmers: %v\n", err)
		return exitRejected
	}

	a, err := newApp(ctx, cfg, stderr, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.Close()
	w, ok := a.store.(domain.FarmerWriter)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "storage driver %s cannot import farmers\n", cfg.Storage.Driver)
		return exitFailure
	}
	if err := w.UpsertFarmers(ctx, farmers...); err != nil {
		_, _ = fmt.Fprintf(stderr, "import farmers: %v\n", err)
		return exitFailure
	}
	_, _ = fmt.Fprintf(stdout, "imported %d farmers\n", len(farmers))
	return exitOK
}

func runCertificate(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("certificate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "output path (default: the archived file name in the current directory, - for stdout)")
	if err := fs.Parse(args); err != nil {
		return exitRejected
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "certificate needs exactly one approval id")
		return exitRejected
	}
	a, err := newApp(ctx, cfg, stderr, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return exitFailure
	}
	defer a.Close()

	info, rc, err := a.certs.Fetch(ctx, fs.Arg(0))
	switch {
	case err == nil:
	case errors.Is(err, certificate.ErrInvalidApprovalID):
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitRejected
	case errors.Is(err, blob.ErrNotFound):
		_, _ = fmt.Fprintf(stderr, "no archived certificate for approval %s\n", fs.Arg(0))
		return exitRejected
	default:
		_, _ = fmt.Fprintf(stderr, "fetch certificate: %v\n", err)
		return exitFailure
	}
	defer func() { _ = rc.Close() }()

	if *out == "-" {
		if _, err := io.Copy(stdout, rc); err != nil {
			_, _ = fmt.Fprintf(stderr, "write certificate: %v\n", err)
			return exitFailure
		}
		return exitOK
	}
	dest := *out
	if dest == "" {
		dest = filepath.Base(info.Key)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) // #nosec G304: operator supplied path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "create %s: %v\n", dest, err)
		return exitFailure
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_, _ = fmt.Fprintf(stderr, "write certificate: %v\n", err)
		return exitFailure
	}
	if err := f.Close(); err != nil {
		_, _ = fmt.Fprintf(stderr, "write certificate: %v\n", err)
		return exitFailure
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s\n", dest)
	return exitOK
}

// readFarmers parses a farmer_id,max_quota_kg CSV with a header row.
func readFarmers(r io.Reader) ([]domain.Farmer, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("empty file")
	}
	idCol, quotaCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "farmer_id", "farmer id":
			idCol = i
		case "max_quota_kg", "max quota kg", "quota":
			quotaCol = i
		}
	}
	if idCol < 0 || quotaCol < 0 {
		return nil, errors.New("header must name farmer_id and max_quota_kg")
	}
	out := make([]domain.Farmer, 0, len(rows)-1)
	for n, row := range rows[1:] {
		if idCol >= len(row) || quotaCol >= len(row) || strings.TrimSpace(row[idCol]) == "" {
			continue
		}
		quota, err := decimal.NewFromString(strings.TrimSpace(row[quotaCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: max_quota_kg %q: %w", n+1, row[quotaCol], err)
		}
		out = append(out, domain.Farmer{FarmerID: row[idCol], MaxQuotaKg: quota})
	}
	return out, nil
}
