package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	logx "adventbot/pkg/logx"
)

// fakeDynamo is an in-memory table keyed by PK/SK. Query pages are
// pageSize items long and ordered by SK, like the real service.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue // pk -> sk -> item
	pageSize int

	queryErr       error
	unprocessedOne bool // return the first write request as unprocessed once

	queries     int
	batchWrites int
	writeSizes  []int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]map[string]types.AttributeValue{}, pageSize: 2}
}

func sOf(item map[string]types.AttributeValue, k string) string {
	v, _ := item[k].(*types.AttributeValueMemberS)
	if v == nil {
		return ""
	}
	return v.Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.items[sOf(in.Key, "PK")][sOf(in.Key, "SK")]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := sOf(in.ExpressionAttributeValues, ":pk")
	sks := make([]string, 0, len(f.items[pk]))
	for sk := range f.items[pk] {
		sks = append(sks, sk)
	}
	sort.Strings(sks)
	startAfter := sOf(in.ExclusiveStartKey, "SK")
	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		if startAfter != "" && sk <= startAfter {
			continue
		}
		out.Items = append(out.Items, f.items[pk][sk])
		if len(out.Items) == f.pageSize {
			out.LastEvaluatedKey = dynamoKey(pk, sk)
			break
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		for _, k := range ka.Keys {
			if item, ok := f.items[sOf(k, "PK")][sOf(k, "SK")]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchWrites++
	out := &dynamodb.BatchWriteItemOutput{}
	for table, reqs := range in.RequestItems {
		f.writeSizes = append(f.writeSizes, len(reqs))
		if len(reqs) > dynamoWriteChunk {
			return nil, errors.New("ValidationException: too many items")
		}
		for i, r := range reqs {
			if f.unprocessedOne && i == 0 {
				f.unprocessedOne = false
				out.UnprocessedItems = map[string][]types.WriteRequest{table: {r}}
				continue
			}
			item := r.PutRequest.Item
			pk, sk := sOf(item, "PK"), sOf(item, "SK")
			if f.items[pk] == nil {
				f.items[pk] = map[string]map[string]types.AttributeValue{}
			}
			f.items[pk][sk] = item
		}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *dynamoStore {
	t.Helper()
	st, err := newDynamo(db, "adventbot", logx.Nop())
	require.NoError(t, err)
	var tick int64
	st.now = func() time.Time { tick += 1000; return time.Unix(0, tick) }
	return st
}

func TestDynamoStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return mustNewDynamo(t, newFakeDynamo()) })
}

func TestDynamoRowsPaginateAndKeepInsertionOrder(t *testing.T) {
	db := newFakeDynamo()
	st := mustNewDynamo(t, db)
	ctx := context.Background()

	// keys chosen so lexical SK order differs from insertion order
	for _, k := range []string{"9", "10", "1", "200", "3"} {
		require.NoError(t, st.Append(ctx, TableUsers, Row{Key: k, Cells: []string{k}}))
	}
	rows, err := st.Rows(ctx, TableUsers)
	require.NoError(t, err)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	require.Equal(t, []string{"9", "10", "1", "200", "3"}, keys)
	require.Equal(t, 3, db.queries, "5 items at page size 2")
}

func TestDynamoBatchUpsertChunksAndRetriesUnprocessed(t *testing.T) {
	db := newFakeDynamo()
	db.unprocessedOne = true
	st := mustNewDynamo(t, db)

	rows := make([]Row, 0, 60)
	for i := 0; i < 60; i++ {
		k := string(rune('A'+i%26)) + string(rune('a'+i/26))
		rows = append(rows, Row{Key: k, Cells: []string{"x"}})
	}
	res, err := st.BatchUpsert(context.Background(), TableMessages, rows)
	require.NoError(t, err)
	require.Equal(t, 60, res.Appended)
	require.Len(t, db.items[TableMessages], 60)
	for _, n := range db.writeSizes {
		require.LessOrEqual(t, n, dynamoWriteChunk)
	}
	require.Equal(t, 4, db.batchWrites, "3 chunks plus one retry of the unprocessed item")
}

func TestDynamoQueryError(t *testing.T) {
	db := newFakeDynamo()
	db.queryErr = errors.New("throttled")
	st := mustNewDynamo(t, db)
	_, err := st.Rows(context.Background(), TableUsers)
	require.Error(t, err)
	require.Contains(t, err.Error(), "query users")
}

func TestNewDynamoValidation(t *testing.T) {
	_, err := newDynamo(nil, "t", logx.Nop())
	require.Error(t, err)
	_, err = newDynamo(newFakeDynamo(), " ", logx.Nop())
	require.Error(t, err)
}
