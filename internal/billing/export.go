package billing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"billing-collections/internal/config"
)

// BatchLine is one charge row handed to a format adapter.
type BatchLine struct {
	ChargeID    string
	AgencyID    string
	AmountCents int64
	DueDateAR   string
}

// Formatter renders a prepared batch into the file the direct-debit rail
// consumes. The byte-level layout is the adapter's concern.
type Formatter interface {
	FileName(batchID, adapter, dateAR string) string
	Render(batchID, adapter, dateAR string, lines []BatchLine) ([]byte, error)
	ContentType() string
}

// CSVFormatter is the default functional-contract rendering: one line per
// charge plus a trailer with count and total.
type CSVFormatter struct{}

func (CSVFormatter) FileName(batchID, adapter, dateAR string) string {
	return fmt.Sprintf("%s/%s/%s.csv", adapter, dateAR, batchID)
}

func (CSVFormatter) ContentType() string { return "text/csv" }

func (CSVFormatter) Render(batchID, adapter, dateAR string, lines []BatchLine) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("charge_id,agency_id,amount_cents,due_date\n")
	var total int64
	for _, l := range lines {
		fmt.Fprintf(&buf, "%s,%s,%d,%s\n", l.ChargeID, l.AgencyID, l.AmountCents, l.DueDateAR)
		total += l.AmountCents
	}
	fmt.Fprintf(&buf, "TRAILER,%s,%d,%d\n", batchID, len(lines), total)
	return buf.Bytes(), nil
}

// fileUploader delivers a rendered batch file, returning its URL.
type fileUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Exporter renders prepared batches through a formatter and delivers the
// files locally or to S3, depending on configuration.
type Exporter struct {
	formatter Formatter
	uploader  fileUploader
}

// NewExporter builds the exporter from config: an S3 bucket selects the
// S3 uploader, otherwise files land under the local export directory.
func NewExporter(ctx context.Context, cfg config.Config, formatter Formatter) (*Exporter, error) {
	if formatter == nil {
		formatter = CSVFormatter{}
	}
	if cfg.ExportS3Bucket == "" {
		baseDir := cfg.ExportOutputDir
		if baseDir == "" {
			baseDir = "./exports"
		}
		return &Exporter{formatter: formatter, uploader: &localUploader{baseDir: baseDir}}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Exporter{formatter: formatter, uploader: &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: cfg.ExportS3PathStyle,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// ExportParams scopes a batch export.
type ExportParams struct {
	Adapter string
	DateAR  string
	BatchID string // optional: export one specific batch out of band
}

// ExportPendingBatches delivers every prepared batch for the adapter up
// to DateAR (or the single named batch), marks each exported and its
// charges presented. No prepared batches is the no-op path. A delivery
// failure for one batch does not stop the rest.
func (o *Operations) ExportPendingBatches(ctx context.Context, p ExportParams) (ExportResult, error) {
	var res ExportResult

	query := `
		SELECT id, adapter, target_date_ar FROM presentment_batches
		WHERE adapter = $1 AND status = $2 AND target_date_ar <= $3
		ORDER BY target_date_ar, id
	`
	args := []any{p.Adapter, BatchStatusPrepared, p.DateAR}
	if p.BatchID != "" {
		query = `
		SELECT id, adapter, target_date_ar FROM presentment_batches
		WHERE id = $1 AND status = $2
		`
		args = []any{p.BatchID, BatchStatusPrepared}
	}

	rows, err := o.st.Pool().Query(ctx, query, args...)
	if err != nil {
		return res, errors.Wrap(err, "query prepared batches")
	}
	type pending struct {
		id      string
		adapter string
		dateAR  string
	}
	var batches []pending
	for rows.Next() {
		var b pending
		if err := rows.Scan(&b.id, &b.adapter, &b.dateAR); err != nil {
			rows.Close()
			return res, errors.Wrap(err, "scan prepared batch")
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(err, "iterate prepared batches")
	}

	if len(batches) == 0 {
		res.NoOp = true
		return res, nil
	}

	for _, b := range batches {
		presented, url, err := o.exportOne(ctx, b.id, b.adapter, b.dateAR)
		if err != nil {
			res.ExportErrors++
			o.log.Errorw("batch export failed",
				"batch_id", b.id,
				"adapter", b.adapter,
				"error", err)
			continue
		}
		res.BatchesExported++
		res.ChargesPresented += presented
		res.FileURLs = append(res.FileURLs, url)
	}
	if res.BatchesExported == 0 && res.ExportErrors > 0 {
		return res, errors.Newf("all %d batch exports failed for adapter %s", res.ExportErrors, p.Adapter)
	}
	return res, nil
}

func (o *Operations) exportOne(ctx context.Context, batchID, adapter, dateAR string) (int, string, error) {
	rows, err := o.st.Pool().Query(ctx, `
		SELECT c.id, c.agency_id, i.amount_cents, c.due_date_ar
		FROM presentment_batch_items i
		JOIN charges c ON c.id = i.charge_id
		WHERE i.batch_id = $1
		ORDER BY c.id
	`, batchID)
	if err != nil {
		return 0, "", errors.Wrap(err, "query batch items")
	}
	var lines []BatchLine
	for rows.Next() {
		var l BatchLine
		if err := rows.Scan(&l.ChargeID, &l.AgencyID, &l.AmountCents, &l.DueDateAR); err != nil {
			rows.Close()
			return 0, "", errors.Wrap(err, "scan batch item")
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, "", errors.Wrap(err, "iterate batch items")
	}

	body, err := o.exporter.formatter.Render(batchID, adapter, dateAR, lines)
	if err != nil {
		return 0, "", errors.Wrap(err, "render batch file")
	}
	key := o.exporter.formatter.FileName(batchID, adapter, dateAR)
	key = strings.TrimPrefix(key, "/")
	url, err := o.exporter.uploader.Upload(ctx, key, body, o.exporter.formatter.ContentType())
	if err != nil {
		return 0, "", errors.Wrap(err, "upload batch file")
	}

	tx, err := o.st.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, "", errors.Wrap(err, "begin export tx")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE presentment_batches SET status = $2, file_url = $3, exported_at = $4 WHERE id = $1
	`, batchID, BatchStatusExported, url, now)
	if err != nil {
		return 0, "", errors.Wrap(err, "mark batch exported")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE charges SET status = $2, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id IN (SELECT charge_id FROM presentment_batch_items WHERE batch_id = $1)
		  AND status = $3
	`, batchID, ChargeStatusPresented, ChargeStatusBatched)
	if err != nil {
		return 0, "", errors.Wrap(err, "mark charges presented")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, "", errors.Wrap(err, "commit export tx")
	}
	return int(tag.RowsAffected()), url, nil
}
