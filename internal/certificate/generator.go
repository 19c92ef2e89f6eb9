// Package certificate renders approval certificates for reconciled batches,
// records the approval audit row and archives the certificate together with
// the uploaded manifest.
package certificate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"cocoaquota/internal/blob"
	"cocoaquota/pkg/domain"
)

var (
	// ErrNoArchive is returned by Fetch when the generator has no archive.
	ErrNoArchive = errors.New("certificate archive not configured")
	// ErrInvalidApprovalID is returned by Fetch for ids that are not approval UUIDs.
	ErrInvalidApprovalID = errors.New("invalid approval id")
)

// Upload is the original manifest as received from the caller.
type Upload struct {
	Name    string
	Content []byte
}

// Artifact is the result of issuing one certificate.
type Artifact struct {
	FileName string                `json:"file_name"`
	PDF      []byte                `json:"-"`
	Approval domain.ApprovalRecord `json:"approval"`
	Archived []string              `json:"archived,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

// Option customises a Generator.
type Option func(*Generator)

// WithArchive stores certificates and uploads in store.
func WithArchive(store blob.Store) Option {
	return func(g *Generator) { g.archive = store }
}

// WithApprovedBy sets the approver identity printed on certificates.
func WithApprovedBy(name string) Option {
	return func(g *Generator) {
		if name != "" {
			g.approvedBy = name
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Generator issues certificates for approved batches.
type Generator struct {
	approvals  domain.ApprovalStore
	archive    blob.Store
	approvedBy string
	now        func() time.Time
	logger     *slog.Logger
	compress   bool
}

// NewGenerator constructs a generator writing audit rows to approvals.
func NewGenerator(approvals domain.ApprovalStore, opts ...Option) *Generator {
	g := &Generator{
		approvals:  approvals,
		approvedBy: "CloudIA",
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.New(slog.DiscardHandler),
		compress:   true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Issue renders the certificate, records the approval and archives both
// documents. Rendering and audit failures are errors; archive failures only
// add warnings to the artifact.
func (g *Generator) Issue(ctx context.Context, summary domain.CertificateSummary, upload Upload) (Artifact, error) {
	if len(summary.Lots) == 0 {
		return Artifact{}, errors.New("certificate summary has no lots")
	}
	at := g.now()
	art := Artifact{FileName: FileName(summary, at)}

	doc, err := render(summary, g.approvedBy, at, g.compress)
	if err != nil {
		return Artifact{}, err
	}
	art.PDF = doc

	art.Approval = domain.ApprovalRecord{
		ID:           uuid.NewString(),
		CreatedAt:    at,
		LotNumber:    strings.Join(summary.Lots, ", "),
		ExporterName: summary.ExporterName(),
		ApprovedBy:   g.approvedBy,
		FileName:     art.FileName,
	}
	if err := g.approvals.InsertApproval(ctx, art.Approval); err != nil {
		return Artifact{}, fmt.Errorf("record approval %s: %w", art.FileName, err)
	}
	g.logger.Info("approval recorded", "approval_id", art.Approval.ID, "file", art.FileName, "lots", art.Approval.LotNumber)

	if g.archive == nil {
		return art, nil
	}
	meta := map[string]string{"approval-id": art.Approval.ID, "lots": art.Approval.LotNumber}
	g.store(ctx, &art, path.Join("certificates", art.Approval.ID, art.FileName), doc, "application/pdf", meta)
	if len(upload.Content) > 0 {
		name := path.Base(strings.ReplaceAll(upload.Name, "\\", "/"))
		if name == "." || name == "/" || name == "" {
			name = "upload"
		}
		g.store(ctx, &art, path.Join("uploads", art.Approval.ID, name), upload.Content, "", meta)
	}
	return art, nil
}

func (g *Generator) store(ctx context.Context, art *Artifact, key string, body []byte, contentType string, meta map[string]string) {
	_, err := g.archive.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{ContentType: contentType, Metadata: meta})
	if err != nil {
		msg := fmt.Sprintf("archive %s: %v", key, err)
		art.Warnings = append(art.Warnings, msg)
		g.logger.Warn("archive upload failed", "key", key, "driver", g.archive.Driver(), "error", err)
		return
	}
	art.Archived = append(art.Archived, key)
}

// Fetch opens the archived certificate of an approval. A missing certificate
// yields blob.ErrNotFound. The caller closes the reader.
func (g *Generator) Fetch(ctx context.Context, approvalID string) (blob.Info, io.ReadCloser, error) {
	if g.archive == nil {
		return blob.Info{}, nil, ErrNoArchive
	}
	id, err := uuid.Parse(strings.TrimSpace(approvalID))
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("%w %q", ErrInvalidApprovalID, approvalID)
	}
	prefix := path.Join("certificates", id.String()) + "/"
	infos, err := g.archive.List(ctx, prefix)
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".pdf") {
			return g.archive.Get(ctx, info.Key)
		}
	}
	return blob.Info{}, nil, fmt.Errorf("certificate for approval %s: %w", id, blob.ErrNotFound)
}
