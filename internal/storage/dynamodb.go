package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	logx "adventbot/pkg/logx"
)

const (
	dynamoWriteChunk = 25  // BatchWriteItem limit
	dynamoReadChunk  = 100 // BatchGetItem limit
	dynamoMaxRetries = 5
)

// dynamodbAPI is the part of the DynamoDB client the store uses.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoStore maps every logical table onto one DynamoDB table:
// PK = logical table, SK = row key, ord = first insertion (unix nanos),
// cells = list of strings.
type dynamoStore struct {
	api   dynamodbAPI
	table string
	log   logx.Logger
	now   func() time.Time
}

func openDynamo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(cfg.Region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	var clientOpts []func(*dynamodb.Options)
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) { o.BaseEndpoint = aws.String(ep) })
	}
	return newDynamo(dynamodb.NewFromConfig(awsCfg, clientOpts...), cfg.Table, log)
}

func newDynamo(api dynamodbAPI, table string, log logx.Logger) (*dynamoStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb: api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("storage.table is required for dynamodb driver")
	}
	return &dynamoStore{api: api, table: table, log: log, now: time.Now}, nil
}

func dynamoKey(table, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: table},
		"SK": &types.AttributeValueMemberS{Value: key},
	}
}

func dynamoItem(table string, r Row, ord int64) map[string]types.AttributeValue {
	cells := make([]types.AttributeValue, 0, len(r.Cells))
	for _, c := range r.Cells {
		cells = append(cells, &types.AttributeValueMemberS{Value: c})
	}
	item := dynamoKey(table, r.Key)
	item["ord"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ord, 10)}
	item["cells"] = &types.AttributeValueMemberL{Value: cells}
	return item
}

type dynamoRow struct {
	Row
	ord int64
}

func fromDynamoItem(item map[string]types.AttributeValue) (dynamoRow, error) {
	sk, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return dynamoRow{}, errors.New("dynamodb: SK missing or not a string")
	}
	out := dynamoRow{Row: Row{Key: sk.Value, Cells: []string{}}}
	if n, ok := item["ord"].(*types.AttributeValueMemberN); ok {
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return dynamoRow{}, fmt.Errorf("dynamodb: ord of %q: %w", sk.Value, err)
		}
		out.ord = v
	}
	if l, ok := item["cells"].(*types.AttributeValueMemberL); ok {
		for _, av := range l.Value {
			s, _ := av.(*types.AttributeValueMemberS)
			if s == nil {
				out.Cells = append(out.Cells, "")
				continue
			}
			out.Cells = append(out.Cells, s.Value)
		}
	}
	return out, nil
}

func (s *dynamoStore) Rows(ctx context.Context, table string) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var (
		all   []dynamoRow
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: table},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: query %s: %w", table, err)
		}
		for _, item := range out.Items {
			r, err := fromDynamoItem(item)
			if err != nil {
				return nil, err
			}
			all = append(all, r)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	// SK order is lexical; insertion order lives in ord.
	sort.SliceStable(all, func(i, j int) bool { return all[i].ord < all[j].ord })
	rows := make([]Row, len(all))
	for i := range all {
		rows[i] = all[i].Row
	}
	return rows, nil
}

func (s *dynamoStore) Get(ctx context.Context, table, key string) (Row, bool, error) {
	if err := checkTable(table); err != nil {
		return Row{}, false, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       dynamoKey(table, key),
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("dynamodb: get %s/%s: %w", table, key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return Row{}, false, nil
	}
	r, err := fromDynamoItem(out.Item)
	if err != nil {
		return Row{}, false, err
	}
	return r.Row, true, nil
}

// existing returns the ord of every key already stored.
func (s *dynamoStore) existing(ctx context.Context, table string, keys []string) (map[string]int64, error) {
	found := make(map[string]int64, len(keys))
	for lo := 0; lo < len(keys); lo += dynamoReadChunk {
		hi := min(lo+dynamoReadChunk, len(keys))
		req := make([]map[string]types.AttributeValue, 0, hi-lo)
		for _, k := range keys[lo:hi] {
			req = append(req, dynamoKey(table, k))
		}
		pending := map[string]types.KeysAndAttributes{
			s.table: {
				Keys:                     req,
				ProjectionExpression:     aws.String("#sk, #ord"),
				ExpressionAttributeNames: map[string]string{"#sk": "SK", "#ord": "ord"},
			},
		}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > dynamoMaxRetries {
				return nil, errors.New("dynamodb: batch get: unprocessed keys after retries")
			}
			out, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return nil, fmt.Errorf("dynamodb: batch get %s: %w", table, err)
			}
			for _, item := range out.Responses[s.table] {
				r, err := fromDynamoItem(item)
				if err != nil {
					return nil, err
				}
				found[r.Key] = r.ord
			}
			pending = out.UnprocessedKeys
			if len(pending) > 0 {
				if err := backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
		}
	}
	return found, nil
}

func (s *dynamoStore) write(ctx context.Context, items []map[string]types.AttributeValue) error {
	for lo := 0; lo < len(items); lo += dynamoWriteChunk {
		hi := min(lo+dynamoWriteChunk, len(items))
		reqs := make([]types.WriteRequest, 0, hi-lo)
		for _, it := range items[lo:hi] {
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: it}})
		}
		pending := map[string][]types.WriteRequest{s.table: reqs}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > dynamoMaxRetries {
				return errors.New("dynamodb: batch write: unprocessed items after retries")
			}
			out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("dynamodb: batch write: %w", err)
			}
			pending = out.UnprocessedItems
			if len(pending) > 0 {
				if err := backoff(ctx, attempt); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *dynamoStore) Append(ctx context.Context, table string, rows ...Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	rows = dedupe(rows)
	if len(rows) == 0 {
		return nil
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	have, err := s.existing(ctx, table, keys)
	if err != nil {
		return err
	}
	base := s.now().UnixNano()
	items := make([]map[string]types.AttributeValue, 0, len(rows))
	for i, r := range rows {
		if _, ok := have[r.Key]; ok {
			continue
		}
		items = append(items, dynamoItem(table, r, base+int64(i)))
	}
	return s.write(ctx, items)
}

func (s *dynamoStore) BatchUpsert(ctx context.Context, table string, rows []Row) (UpsertResult, error) {
	if err := checkTable(table); err != nil {
		return UpsertResult{}, err
	}
	rows = dedupe(rows)
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	have, err := s.existing(ctx, table, keys)
	if err != nil {
		return UpsertResult{}, err
	}
	base := s.now().UnixNano()
	items := make([]map[string]types.AttributeValue, 0, len(rows))
	for i, r := range rows {
		ord, ok := have[r.Key]
		if ok {
			res.Updated++
		} else {
			ord = base + int64(i)
			res.Appended++
		}
		items = append(items, dynamoItem(table, r, ord))
	}
	if err := s.write(ctx, items); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *dynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func (s *dynamoStore) Close() error { return nil }

func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(50<<attempt) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
