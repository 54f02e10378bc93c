// Package documents renders and stores payment documents.
package documents

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	aws_pkg "atlas-payment-service/pkg/aws"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InvoiceInput is everything printed on an invoice.
type InvoiceInput struct {
	PaymentID         string
	ProviderPaymentID string
	EventID           string
	EventName         string
	Venue             string
	RegistrationID    string
	CustomerName      string
	CustomerEmail     string
	Description       string
	AmountCents       int64
	FeeCents          *int64
	Currency          string
	Provider          string
	PaymentMethod     string
	PaidAt            time.Time
}

// Generator produces an invoice document and returns where it is stored.
type Generator interface {
	GenerateInvoice(ctx context.Context, in InvoiceInput) (string, error)
}

// Uploader is the s3 manager call used to store documents.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

const invoiceHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.Number}}</title></head>
<body>
<h1>{{.EventName}}</h1>
{{if .Venue}}<p>{{.Venue}}</p>{{end}}
<table>
<tr><th>Invoice</th><td>{{.Number}}</td></tr>
<tr><th>Date</th><td>{{.PaidAt.Format "02 Jan 2006 15:04 MST"}}</td></tr>
<tr><th>Billed to</th><td>{{.CustomerName}} &lt;{{.CustomerEmail}}&gt;</td></tr>
<tr><th>Description</th><td>{{.Description}}</td></tr>
<tr><th>Amount</th><td>{{.Currency}} {{.Amount}}</td></tr>
{{if .Fee}}<tr><th>Gateway fee</th><td>{{.Currency}} {{.Fee}}</td></tr>{{end}}
<tr><th>Paid via</th><td>{{.Provider}}{{if .PaymentMethod}} ({{.PaymentMethod}}){{end}}</td></tr>
<tr><th>Reference</th><td>{{.ProviderPaymentID}}</td></tr>
</table>
</body>
</html>
`

var invoiceTmpl = template.Must(template.New("invoice").Parse(invoiceHTML))

type invoiceView struct {
	InvoiceInput
	Number string
	Amount string
	Fee    string
}

// RenderInvoice renders the invoice HTML.
func RenderInvoice(in InvoiceInput) ([]byte, error) {
	if in.Description == "" {
		in.Description = "Event registration"
	}
	if in.EventName == "" {
		in.EventName = "Event " + in.EventID
	}
	view := invoiceView{
		InvoiceInput: in,
		Number:       InvoiceNumber(in.PaymentID, in.PaidAt),
		Amount:       decimal.New(in.AmountCents, -2).StringFixed(2),
	}
	if in.FeeCents != nil {
		view.Fee = decimal.New(*in.FeeCents, -2).StringFixed(2)
	}
	var buf bytes.Buffer
	if err := invoiceTmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}
	return buf.Bytes(), nil
}

// InvoiceNumber is INV-<yyyymmdd>-<first 8 chars of the payment id>.
func InvoiceNumber(paymentID string, paidAt time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(paymentID, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("INV-%s-%s", paidAt.UTC().Format("20060102"), short)
}

// InvoiceKey is the object key an invoice is stored under.
func InvoiceKey(prefix, eventID, paymentID string) string {
	return fmt.Sprintf("%sinvoices/%s/%s.html", prefix, eventID, paymentID)
}

// S3InvoiceGenerator renders invoices and uploads them to a bucket.
type S3InvoiceGenerator struct {
	uploader  Uploader
	presigner aws_pkg.PresignGetter
	bucket    string
	prefix    string
	endpoint  string
	logger    *zap.Logger
}

func NewS3InvoiceGenerator(uploader Uploader, presigner aws_pkg.PresignGetter, bucket, prefix, endpoint string, logger *zap.Logger) *S3InvoiceGenerator {
	return &S3InvoiceGenerator{
		uploader:  uploader,
		presigner: presigner,
		bucket:    bucket,
		prefix:    prefix,
		endpoint:  endpoint,
		logger:    logger,
	}
}

// GenerateInvoice uploads the rendered invoice and returns its object URL.
// Re-generating for the same payment overwrites the same key.
func (g *S3InvoiceGenerator) GenerateInvoice(ctx context.Context, in InvoiceInput) (string, error) {
	body, err := RenderInvoice(in)
	if err != nil {
		return "", err
	}
	key := InvoiceKey(g.prefix, in.EventID, in.PaymentID)
	if _, err := g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/html; charset=utf-8"),
		Metadata: map[string]string{
			"payment-id": in.PaymentID,
			"event-id":   in.EventID,
		},
	}); err != nil {
		return "", fmt.Errorf("upload invoice %s: %w", key, err)
	}

	var url string
	if g.endpoint != "" {
		url = fmt.Sprintf("%s/%s/%s", strings.TrimRight(g.endpoint, "/"), g.bucket, key)
	} else {
		url = fmt.Sprintf("https://%s.s3.amazonaws.com/%s", g.bucket, key)
	}
	g.logger.Info("Invoice stored", zap.String("payment_id", in.PaymentID), zap.String("key", key))
	return url, nil
}

// DownloadURL returns a short-lived link to a stored invoice.
func (g *S3InvoiceGenerator) DownloadURL(ctx context.Context, eventID, paymentID string, expiry time.Duration) (string, error) {
	if g.presigner == nil {
		return "", fmt.Errorf("invoice presigning not configured")
	}
	return aws_pkg.GeneratePresignedGetURL(ctx, g.presigner, g.bucket, InvoiceKey(g.prefix, eventID, paymentID), expiry)
}
