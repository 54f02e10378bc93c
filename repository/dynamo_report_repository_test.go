package repository_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"atlas-payment-service/models"
	"atlas-payment-service/repository"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ---- fake DynamoDB table ----

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key["id"])]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	id := str(in.Item["id"])
	if in.ConditionExpression != nil {
		if _, exists := f.items[id]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, str(in.Key["id"]))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []map[string]types.AttributeValue
	for _, k := range keys {
		it := f.items[k]
		date := str(it["report_date"])
		if in.FilterExpression != nil {
			switch *in.FilterExpression {
			case "report_date = :d":
				if date != str(in.ExpressionAttributeValues[":d"]) {
					continue
				}
			case "report_date < :c":
				if date >= str(in.ExpressionAttributeValues[":c"]) {
					continue
				}
			}
		}
		out = append(out, it)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func sampleReport(day time.Time) *models.ReconciliationReport {
	eventID := uuid.New()
	events := []models.EventReconciliation{{
		EventID:  eventID,
		Provider: models.ProviderStub,
		Matched:  []models.PaymentSnapshot{{ProviderPaymentID: "stub_1", Status: "paid", AmountCents: 1000, Currency: "INR"}},
	}}
	var summary models.ReconciliationSummary
	summary.Add(events[0])
	return &models.ReconciliationReport{
		ID:          uuid.New(),
		ReportDate:  day,
		WindowStart: day,
		WindowEnd:   day.Add(24 * time.Hour),
		Events:      datatypes.NewJSONType(events),
		Summary:     datatypes.NewJSONType(summary),
		GeneratedAt: day.Add(25 * time.Hour),
		GeneratedBy: "scheduler",
	}
}

func TestDynamoReport_CreateAndFind(t *testing.T) {
	repo := repository.NewDynamoReportRepository(newFakeDynamo(), "reconciliation_reports")
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	report := sampleReport(day)

	require.NoError(t, repo.Create(context.Background(), report))

	got, err := repo.FindByID(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)
	assert.True(t, got.ReportDate.Equal(day))
	assert.Equal(t, 1, got.Summary.Data().Matched)
	require.Len(t, got.Events.Data(), 1)
	assert.Equal(t, "stub_1", got.Events.Data()[0].Matched[0].ProviderPaymentID)
}

func TestDynamoReport_NeverOverwrites(t *testing.T) {
	repo := repository.NewDynamoReportRepository(newFakeDynamo(), "reconciliation_reports")
	report := sampleReport(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))

	require.NoError(t, repo.Create(context.Background(), report))
	err := repo.Create(context.Background(), report)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestDynamoReport_FindMissing(t *testing.T) {
	repo := repository.NewDynamoReportRepository(newFakeDynamo(), "reconciliation_reports")
	_, err := repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDynamoReport_ListAndRetention(t *testing.T) {
	repo := repository.NewDynamoReportRepository(newFakeDynamo(), "reconciliation_reports")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, sampleReport(base.AddDate(0, 0, i))))
	}

	reports, total, err := repo.List(ctx, nil, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].ReportDate.Equal(base.AddDate(0, 0, 4)))

	day := base.AddDate(0, 0, 2)
	reports, total, err = repo.List(ctx, &day, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.True(t, reports[0].ReportDate.Equal(day))

	deleted, err := repo.DeleteOlderThan(ctx, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, total, err = repo.List(ctx, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}
