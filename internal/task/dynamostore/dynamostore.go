// Package dynamostore is a task.Store on a DynamoDB table keyed by "id".
// Status transitions are UpdateItem calls guarded by a ConditionExpression.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Options configures the DynamoDB client.
type Options struct {
	Table    string
	Region   string
	Endpoint string
	// Static credentials; when empty the default AWS chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// item is the stored document. created_at is epoch microseconds.
type item struct {
	ID        string  `dynamodbav:"id"`
	CreatedAt int64   `dynamodbav:"created_at"`
	Name      string  `dynamodbav:"name"`
	URL       string  `dynamodbav:"url"`
	Status    string  `dynamodbav:"status"`
	PDF       *string `dynamodbav:"pdf,omitempty"`
	Error     *string `dynamodbav:"error,omitempty"`
}

func fromTask(t task.Task) item {
	return item{
		ID:        t.ID,
		CreatedAt: t.CreatedAt.UnixMicro(),
		Name:      t.Name,
		URL:       t.SourceURL,
		Status:    string(t.Status),
		PDF:       t.ArtifactRef,
		Error:     t.Error,
	}
}

func (it item) task() (task.Task, error) {
	st, err := task.ParseStatus(it.Status)
	if err != nil {
		return task.Task{}, err
	}
	return task.Task{
		ID:          it.ID,
		CreatedAt:   time.UnixMicro(it.CreatedAt).UTC(),
		Name:        it.Name,
		SourceURL:   it.URL,
		Status:      st,
		ArtifactRef: it.PDF,
		Error:       it.Error,
	}, nil
}

// Store is a task.Store backed by DynamoDB.
type Store struct {
	db        *dynamodb.Client
	tableName string
}

// Open builds the client and creates the table when it does not exist yet
// (useful against local emulators).
func Open(ctx context.Context, opts Options) (*Store, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	s := &Store{db: client, tableName: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("describe table: %w", err)
	}
	_, err = s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(s.tableName),
		BillingMode:          types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS}},
		KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash}},
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.db)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, time.Minute)
}

func (s *Store) Close() error { return nil }

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func (s *Store) Create(ctx context.Context, t task.Task) error {
	av, err := attributevalue.MarshalMap(fromTask(t))
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "dynamostore", "marshal", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return task.ErrExists
		}
		return apperr.Wrap(apperr.ErrStorage, "dynamostore", "create", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "dynamostore", "get", err)
	}
	if out.Item == nil {
		return task.Task{}, task.ErrNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "dynamostore", "unmarshal", err)
	}
	return it.task()
}

// List scans the whole table and orders newest first in memory.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	var items []item
	p := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "dynamostore", "scan", err)
		}
		var batch []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "dynamostore", "unmarshal", err)
		}
		items = append(items, batch...)
	}
	return sortedTasks(items)
}

func sortedTasks(items []item) ([]task.Task, error) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt > items[j].CreatedAt })
	out := make([]task.Task, 0, len(items))
	for _, it := range items {
		t, err := it.task()
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "dynamostore", "decode", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, id,
		"SET #st = :to",
		"#st <> :failed AND #st <> :done",
		map[string]types.AttributeValue{
			":to":     &types.AttributeValueMemberS{Value: string(task.StatusProcessing)},
			":failed": &types.AttributeValueMemberS{Value: string(task.StatusFailed)},
			":done":   &types.AttributeValueMemberS{Value: string(task.StatusDone)},
		})
}

func (s *Store) MarkDone(ctx context.Context, id, artifactRef string) (bool, error) {
	return s.update(ctx, id,
		"SET #st = :to, pdf = :pdf",
		"#st <> :failed",
		map[string]types.AttributeValue{
			":to":     &types.AttributeValueMemberS{Value: string(task.StatusDone)},
			":pdf":    &types.AttributeValueMemberS{Value: artifactRef},
			":failed": &types.AttributeValueMemberS{Value: string(task.StatusFailed)},
		})
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	return s.update(ctx, id,
		"SET #st = :to, #err = :err REMOVE pdf",
		"#st <> :failed",
		map[string]types.AttributeValue{
			":to":     &types.AttributeValueMemberS{Value: string(task.StatusFailed)},
			":err":    &types.AttributeValueMemberS{Value: task.TruncateError(message)},
			":failed": &types.AttributeValueMemberS{Value: string(task.StatusFailed)},
		})
}

// update applies expr when the row exists and guard holds. A failed
// condition returns the old item, which tells a missing row from a rejected
// transition.
func (s *Store) update(ctx context.Context, id, expr, guard string, values map[string]types.AttributeValue) (bool, error) {
	names := map[string]string{"#id": "id", "#st": "status"}
	if _, ok := values[":err"]; ok {
		names["#err"] = "error"
	}
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 key(id),
		UpdateExpression:                    aws.String(expr),
		ConditionExpression:                 aws.String("attribute_exists(#id) AND " + guard),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return true, nil
	}
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		if len(cfe.Item) == 0 {
			return false, task.ErrNotFound
		}
		return false, nil
	}
	return false, apperr.Wrap(apperr.ErrStorage, "dynamostore", "update", err)
}
