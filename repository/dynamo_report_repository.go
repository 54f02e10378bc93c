package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"atlas-payment-service/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DynamoAPI is the subset of *dynamodb.Client the report store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoReportRepository keeps reports in a DynamoDB table keyed by `id`.
// Writes are conditional so an existing report is never overwritten.
type DynamoReportRepository struct {
	client DynamoAPI
	table  string
}

func NewDynamoReportRepository(client DynamoAPI, table string) *DynamoReportRepository {
	return &DynamoReportRepository{client: client, table: table}
}

type ddbReport struct {
	ID          string `dynamodbav:"id"`
	ReportDate  string `dynamodbav:"report_date"`
	WindowStart string `dynamodbav:"window_start"`
	WindowEnd   string `dynamodbav:"window_end"`
	Events      string `dynamodbav:"events"`
	Summary     string `dynamodbav:"summary"`
	GeneratedAt string `dynamodbav:"generated_at"`
	GeneratedBy string `dynamodbav:"generated_by"`
	CreatedAt   string `dynamodbav:"created_at"`
}

func toDDBReport(r *models.ReconciliationReport) (ddbReport, error) {
	events, err := json.Marshal(r.Events.Data())
	if err != nil {
		return ddbReport{}, fmt.Errorf("marshal events: %w", err)
	}
	summary, err := json.Marshal(r.Summary.Data())
	if err != nil {
		return ddbReport{}, fmt.Errorf("marshal summary: %w", err)
	}
	return ddbReport{
		ID:          r.ID.String(),
		ReportDate:  r.ReportDate.Format("2006-01-02"),
		WindowStart: r.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:   r.WindowEnd.UTC().Format(time.RFC3339),
		Events:      string(events),
		Summary:     string(summary),
		GeneratedAt: r.GeneratedAt.UTC().Format(time.RFC3339Nano),
		GeneratedBy: r.GeneratedBy,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (d ddbReport) toModel() (*models.ReconciliationReport, error) {
	r := &models.ReconciliationReport{GeneratedBy: d.GeneratedBy}
	r.ID, _ = uuid.Parse(d.ID)
	if t, err := time.Parse("2006-01-02", d.ReportDate); err == nil {
		r.ReportDate = t
	}
	if t, err := time.Parse(time.RFC3339, d.WindowStart); err == nil {
		r.WindowStart = t
	}
	if t, err := time.Parse(time.RFC3339, d.WindowEnd); err == nil {
		r.WindowEnd = t
	}
	if t, err := time.Parse(time.RFC3339Nano, d.GeneratedAt); err == nil {
		r.GeneratedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, d.CreatedAt); err == nil {
		r.CreatedAt = t
	}
	var events []models.EventReconciliation
	if err := json.Unmarshal([]byte(d.Events), &events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	var summary models.ReconciliationSummary
	if err := json.Unmarshal([]byte(d.Summary), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	r.Events = datatypes.NewJSONType(events)
	r.Summary = datatypes.NewJSONType(summary)
	return r, nil
}

func (d *DynamoReportRepository) Create(ctx context.Context, report *models.ReconciliationReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	dr, err := toDDBReport(report)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(dr)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &d.table,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("report %s already exists: %w", report.ID, gorm.ErrDuplicatedKey)
		}
		return fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return nil
}

func (d *DynamoReportRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: &d.table, Key: key})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	var dr ddbReport
	if err := attributevalue.UnmarshalMap(out.Item, &dr); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return dr.toModel()
}

// scan reads every report matching the optional filter. Report volume is one
// item per day, so a scan stays small.
func (d *DynamoReportRepository) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]ddbReport, error) {
	input := &dynamodb.ScanInput{TableName: &d.table}
	if filter != "" {
		input.FilterExpression = aws.String(filter)
		input.ExpressionAttributeValues = values
	}
	var out []ddbReport
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan page failed: %w", err)
		}
		for _, it := range page.Items {
			var dr ddbReport
			if err := attributevalue.UnmarshalMap(it, &dr); err != nil {
				return nil, fmt.Errorf("unmarshal item: %w", err)
			}
			out = append(out, dr)
		}
	}
	return out, nil
}

func (d *DynamoReportRepository) List(ctx context.Context, date *time.Time, page, limit int) ([]models.ReconciliationReport, int64, error) {
	var filter string
	var values map[string]types.AttributeValue
	if date != nil {
		filter = "report_date = :d"
		values = map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: date.Format("2006-01-02")},
		}
	}
	items, err := d.scan(ctx, filter, values)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].GeneratedAt > items[j].GeneratedAt })

	total := int64(len(items))
	start := (page - 1) * limit
	if start < 0 || start >= len(items) {
		return []models.ReconciliationReport{}, total, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	reports := make([]models.ReconciliationReport, 0, end-start)
	for _, it := range items[start:end] {
		r, err := it.toModel()
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, *r)
	}
	return reports, total, nil
}

func (d *DynamoReportRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	items, err := d.scan(ctx, "report_date < :c", map[string]types.AttributeValue{
		":c": &types.AttributeValueMemberS{Value: cutoff.Format("2006-01-02")},
	})
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, it := range items {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: &d.table,
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: it.ID},
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("dynamodb DeleteItem failed: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
