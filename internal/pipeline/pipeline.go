// Package pipeline turns an uploaded manifest into reconciliation runs: it
// reads the file, normalizes the rows, reconciles them per the exporter policy
// and issues a certificate for every approved run.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cocoaquota/internal/certificate"
	"cocoaquota/internal/core"
	"cocoaquota/internal/ingest"
	"cocoaquota/internal/normalize"
	"cocoaquota/pkg/domain"
)

// Run is the result of reconciling one batch.
type Run struct {
	Outcome     core.Outcome          `json:"outcome"`
	Certificate *certificate.Artifact `json:"certificate,omitempty"`
	Error       string                `json:"error,omitempty"`
	err         error
}

// Err returns the run failure, if any.
func (r Run) Err() error { return r.err }

// Report collects every run of one upload.
type Report struct {
	Source  string              `json:"source"`
	Policy  core.ExporterPolicy `json:"policy"`
	Records int                 `json:"records"`
	Runs    []Run               `json:"runs"`
}

// Approved reports whether every run reached APPROVED.
func (r Report) Approved() bool {
	if len(r.Runs) == 0 {
		return false
	}
	for _, run := range r.Runs {
		if !run.Outcome.Approved() {
			return false
		}
	}
	return true
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithCertificates issues certificates for approved runs.
func WithCertificates(g *certificate.Generator) Option {
	return func(v *Verifier) { v.certs = g }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(v *Verifier) {
		if n != nil {
			v.normalizer = n
		}
	}
}

// WithPolicy overrides the engine's exporter policy.
func WithPolicy(p core.ExporterPolicy) Option {
	return func(v *Verifier) {
		if p != "" {
			v.policy = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Verifier is the caller-side orchestration around the reconciliation engine.
type Verifier struct {
	engine     *core.Service
	normalizer *normalize.Normalizer
	certs      *certificate.Generator
	policy     core.ExporterPolicy
	logger     *slog.Logger
}

// New constructs a Verifier driving engine.
func New(engine *core.Service, opts ...Option) *Verifier {
	v := &Verifier{
		engine:     engine,
		normalizer: normalize.New(),
		policy:     engine.Config().ExporterPolicy,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile processes one upload. Input errors (format, schema, values) are
// returned before anything is written. Otherwise the report holds one run per
// reconciled batch and the error joins every run failure.
func (v *Verifier) VerifyFile(ctx context.Context, name string, content []byte) (Report, error) {
	report := Report{Source: name, Policy: v.policy}
	table, err := ingest.Read(name, bytes.NewReader(content))
	if err != nil {
		return report, err
	}
	batch, err := v.normalizer.Normalize(name, table)
	if err != nil {
		return report, err
	}
	report.Records = batch.Len()
	v.logger.Info("upload normalized", "source", name, "records", batch.Len(), "exporters", len(batch.Exporters()), "policy", v.policy)

	batches := []domain.DeliveryBatch{batch}
	if v.policy == core.PolicyPerExporter {
		batches = batch.SplitByExporter()
	}

	var errs []error
	for _, b := range batches {
		run := v.reconcile(ctx, b, certificate.Upload{Name: name, Content: content})
		if run.err != nil {
			errs = append(errs, run.err)
		}
		report.Runs = append(report.Runs, run)
	}
	return report, errors.Join(errs...)
}

func (v *Verifier) reconcile(ctx context.Context, batch domain.DeliveryBatch, upload certificate.Upload) Run {
	out, err := v.engine.Reconcile(ctx, batch)
	run := Run{Outcome: out}
	if err != nil {
		return run.fail(err)
	}
	if v.certs == nil || out.Certificate == nil {
		return run
	}
	art, err := v.certs.Issue(ctx, *out.Certificate, upload)
	if err != nil {
		v.logger.Error("certificate failed", "run_id", out.RunID, "error", err)
		return run.fail(&CertificateError{RunID: out.RunID, Cause: err})
	}
	for _, w := range art.Warnings {
		v.logger.Warn("certificate warning", "run_id", out.RunID, "warning", w)
	}
	run.Certificate = &art
	return run
}

func (r Run) fail(err error) Run {
	r.err = err
	r.Error = err.Error()
	return r
}

// CertificateError means the batch was approved but its certificate could not be recorded.
type CertificateError struct {
	RunID string
	Cause error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("run %s approved but certificate failed: %v", e.RunID, e.Cause)
}

func (e *CertificateError) Unwrap() error { return e.Cause }

// IsValidation reports whether err is a business rejection of the upload rather
// than an operational failure. Joined errors qualify only when every member does.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !IsValidation(e) {
				return false
			}
		}
		return true
	}
	var (
		schema  *domain.SchemaError
		missing *domain.MissingValueError
		invalid *domain.InvalidValueError
		unknown *domain.UnknownFarmerError
		failed  *domain.ValidationFailedError
		format  *ingest.UnsupportedFormatError
	)
	return errors.As(err, &schema) || errors.As(err, &missing) || errors.As(err, &invalid) ||
		errors.As(err, &unknown) || errors.As(err, &failed) || errors.As(err, &format) ||
		errors.Is(err, domain.ErrEmptyBatch)
}
