package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/platewatch/recall-monitor/internal/pkg/logger"
)

// DynamoStore persists documents in a single DynamoDB table with
// PK = collection, SK = key, the JSON payload in Data, and a Version counter
// used for optimistic concurrency inside transactions.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// dynamoItem is the single-table row shape.
type dynamoItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Data    string `dynamodbav:"Data"`
	Version int64  `dynamodbav:"Version"`
}

// dynamoMaxTransactOps is DynamoDB's TransactWriteItems limit. Callers that
// want larger batches must chunk above this store.
const dynamoMaxTransactOps = 100

// txRetries is how many times a conflicting transaction is retried before
// surfacing ErrConflict.
const txRetries = 3

// NewDynamoStore builds a DynamoStore. An empty profile uses the default
// credential chain (IAM role on ECS).
func NewDynamoStore(ctx context.Context, tableName, region, profile string) (*DynamoStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &DynamoStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}, nil
}

// NewDynamoStoreFromClient wraps an existing client, used when the server
// shares one AWS config across services.
func NewDynamoStoreFromClient(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// MaxBatchOps returns DynamoDB's transactional write limit.
func (d *DynamoStore) MaxBatchOps() int { return dynamoMaxTransactOps }

func itemKey(collection, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: collection},
		"SK": &types.AttributeValueMemberS{Value: key},
	}
}

// Get implements Store.
func (d *DynamoStore) Get(ctx context.Context, collection, key string, out interface{}) error {
	_, _, err := d.getVersioned(ctx, collection, key, out)
	return err
}

// getVersioned loads a document and its version. Returns version 0 and
// ErrNotFound when absent.
func (d *DynamoStore) getVersioned(ctx context.Context, collection, key string, out interface{}) (int64, bool, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(collection, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("getting %s/%s: %w", collection, key, err)
	}
	if len(result.Item) == 0 {
		return 0, false, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return 0, false, fmt.Errorf("unmarshaling %s/%s: %w", collection, key, err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(item.Data), out); err != nil {
			return 0, false, fmt.Errorf("decoding %s/%s: %w", collection, key, err)
		}
	}
	return item.Version, true, nil
}

// Set implements Store. The Version counter is bumped via ADD so concurrent
// transactions notice the write.
func (d *DynamoStore) Set(ctx context.Context, collection, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", collection, key, err)
	}
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              itemKey(collection, key),
		UpdateExpression: aws.String("SET #d = :data ADD Version :one"),
		ExpressionAttributeNames: map[string]string{
			"#d": "Data",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":data": &types.AttributeValueMemberS{Value: string(data)},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete implements Store.
func (d *DynamoStore) Delete(ctx context.Context, collection, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       itemKey(collection, key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, key, err)
	}
	return nil
}

// List implements Store.
func (d *DynamoStore) List(ctx context.Context, collection string, fn func(key string, data []byte) bool) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: collection},
		},
	}
	return d.query(ctx, input, fn)
}

// ListRange implements Store.
func (d *DynamoStore) ListRange(ctx context.Context, collection, startKey, endKey string, fn func(key string, data []byte) bool) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: collection},
			":from": &types.AttributeValueMemberS{Value: startKey},
			":to":   &types.AttributeValueMemberS{Value: endKey},
		},
	}
	return d.query(ctx, input, fn)
}

func (d *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput, fn func(key string, data []byte) bool) error {
	for {
		result, err := d.client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("querying: %w", err)
		}
		for _, raw := range result.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				logger.Warn("docstore: skipping undecodable item", "error", err)
				continue
			}
			if !fn(item.SK, []byte(item.Data)) {
				return nil
			}
		}
		if len(result.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// RunBatch implements Store using TransactWriteItems, which is
// all-or-nothing up to 100 operations.
func (d *DynamoStore) RunBatch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > dynamoMaxTransactOps {
		return ErrBatchTooLarge
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			data, err := json.Marshal(op.Doc)
			if err != nil {
				return fmt.Errorf("marshaling batch op %s/%s: %w", op.Collection, op.Key, err)
			}
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:        aws.String(d.tableName),
					Key:              itemKey(op.Collection, op.Key),
					UpdateExpression: aws.String("SET #d = :data ADD Version :one"),
					ExpressionAttributeNames: map[string]string{
						"#d": "Data",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":data": &types.AttributeValueMemberS{Value: string(data)},
						":one":  &types.AttributeValueMemberN{Value: "1"},
					},
				},
			})
		case OpDelete:
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(d.tableName),
					Key:       itemKey(op.Collection, op.Key),
				},
			})
		}
	}

	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("transact batch of %d ops: %w", len(ops), err)
	}
	return nil
}

// dynamoTx stages reads and writes for an optimistic transaction. Each read
// records the version seen; the commit condition-checks those versions so
// the read-check-write sequence is atomic.
type dynamoTx struct {
	store *DynamoStore
	ctx   context.Context

	readVersions map[[2]string]int64 // (collection,key) -> version seen, 0 = absent
	staged       []Op
	readErr      error
}

func (t *dynamoTx) Get(collection, key string, out interface{}) error {
	// Observe writes staged earlier in this transaction first.
	for i := len(t.staged) - 1; i >= 0; i-- {
		op := t.staged[i]
		if op.Collection != collection || op.Key != key {
			continue
		}
		if op.Kind == OpDelete {
			return ErrNotFound
		}
		data, err := json.Marshal(op.Doc)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}

	version, found, err := t.store.getVersioned(t.ctx, collection, key, out)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.readErr = err
		return err
	}
	if !found {
		version = 0
	}
	t.readVersions[[2]string{collection, key}] = version
	if !found {
		return ErrNotFound
	}
	return nil
}

func (t *dynamoTx) Set(collection, key string, doc interface{}) {
	t.staged = append(t.staged, Put(collection, key, doc))
}

func (t *dynamoTx) Delete(collection, key string) {
	t.staged = append(t.staged, Delete(collection, key))
}

// RunTransaction implements Store. fn is retried on version conflicts up to
// txRetries times, then ErrConflict is returned.
func (d *DynamoStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt <= txRetries; attempt++ {
		tx := &dynamoTx{
			store:        d,
			ctx:          ctx,
			readVersions: make(map[[2]string]int64),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.readErr != nil {
			return tx.readErr
		}

		err := d.commit(ctx, tx)
		if err == nil {
			return nil
		}
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			logger.Debug("docstore: transaction conflict, retrying", "attempt", attempt)
			continue
		}
		return err
	}
	return ErrConflict
}

func (d *DynamoStore) commit(ctx context.Context, tx *dynamoTx) error {
	written := make(map[[2]string]bool, len(tx.staged))
	items := make([]types.TransactWriteItem, 0, len(tx.staged)+len(tx.readVersions))

	for _, op := range tx.staged {
		ck := [2]string{op.Collection, op.Key}
		written[ck] = true
		version, wasRead := tx.readVersions[ck]

		switch op.Kind {
		case OpPut:
			data, err := json.Marshal(op.Doc)
			if err != nil {
				return fmt.Errorf("marshaling tx write %s/%s: %w", op.Collection, op.Key, err)
			}
			update := &types.Update{
				TableName:        aws.String(d.tableName),
				Key:              itemKey(op.Collection, op.Key),
				UpdateExpression: aws.String("SET #d = :data ADD Version :one"),
				ExpressionAttributeNames: map[string]string{
					"#d": "Data",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":data": &types.AttributeValueMemberS{Value: string(data)},
					":one":  &types.AttributeValueMemberN{Value: "1"},
				},
			}
			if wasRead {
				applyVersionCondition(update, version)
			}
			items = append(items, types.TransactWriteItem{Update: update})
		case OpDelete:
			del := &types.Delete{
				TableName: aws.String(d.tableName),
				Key:       itemKey(op.Collection, op.Key),
			}
			if wasRead && version > 0 {
				del.ConditionExpression = aws.String("Version = :v")
				del.ExpressionAttributeValues = map[string]types.AttributeValue{
					":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
				}
			}
			items = append(items, types.TransactWriteItem{Delete: del})
		}
	}

	// Condition-check documents that were read but not written, so a stale
	// read also fails the commit.
	for ck, version := range tx.readVersions {
		if written[ck] {
			continue
		}
		check := &types.ConditionCheck{
			TableName: aws.String(d.tableName),
			Key:       itemKey(ck[0], ck[1]),
		}
		if version == 0 {
			check.ConditionExpression = aws.String("attribute_not_exists(PK)")
		} else {
			check.ConditionExpression = aws.String("Version = :v")
			check.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
			}
		}
		items = append(items, types.TransactWriteItem{ConditionCheck: check})
	}

	if len(items) == 0 {
		return nil
	}
	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return err
}

func applyVersionCondition(update *types.Update, version int64) {
	if version == 0 {
		update.ConditionExpression = aws.String("attribute_not_exists(PK)")
		return
	}
	update.ConditionExpression = aws.String("Version = :v")
	update.ExpressionAttributeValues[":v"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)}
}
