// Package dynamo implements the persistence gateway on Amazon DynamoDB.
//
// Each table maps to a DynamoDB table memdb_<name> with a string partition
// key. Payloads are stored as a codec-encoded document in the "data"
// attribute alongside an "updated_at" timestamp attribute.
//
// Item schema:
//   - Partition key: key (string) - the record key
//   - data (string) - codec-encoded payload
//   - updated_at (number) - unix milliseconds of the last upsert
//
// Query predicates are passed through as native filter expressions applied
// by a table scan, e.g. `attribute_exists(data)`.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/memdb/codec"
	"github.com/hupe1980/memdb/gateway"
	"github.com/hupe1980/memdb/resource"
)

// batchWriteLimit is DynamoDB's maximum item count per BatchWriteItem call.
const batchWriteLimit = 25

// unprocessedRetries bounds resubmission of unprocessed batch items before
// the whole upsert call is failed.
const unprocessedRetries = 3

// defaultQueryLimit bounds Query results when the caller passes limit <= 0.
const defaultQueryLimit = 100

// Client is the interface for DynamoDB operations.
type Client interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Options configures the gateway.
type Options struct {
	// TablePrefix is prepended to every DynamoDB table name.
	TablePrefix string

	// Codec serializes payloads into the data attribute.
	// Defaults to codec.Default.
	Codec codec.Codec

	// Controller optionally bounds concurrent calls and row throughput.
	// Nil means unlimited.
	Controller *resource.Controller
}

// DefaultOptions are the defaults used by New.
var DefaultOptions = Options{
	TablePrefix: "memdb_",
	Codec:       codec.Default,
}

// Gateway is a DynamoDB-backed persistence gateway.
type Gateway struct {
	client Client
	prefix string
	codec  codec.Codec
	ctrl   *resource.Controller
}

// New creates a Gateway on top of a DynamoDB client.
func New(client Client, optFns ...func(o *Options)) *Gateway {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	return &Gateway{
		client: client,
		prefix: opts.TablePrefix,
		codec:  opts.Codec,
		ctrl:   opts.Controller,
	}
}

// CreateTable creates the DynamoDB table with a string partition key.
// A table that already exists is success (ResourceInUseException).
func (g *Gateway) CreateTable(ctx context.Context, name string, _ map[string]any) error {
	if err := g.ctrl.AcquireCall(ctx); err != nil {
		return err
	}
	defer g.ctrl.ReleaseCall()

	_, err := g.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(g.prefix + name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("key"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("key"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table %s: %w", g.prefix+name, err)
	}
	return nil
}

// Read returns the payload stored for key, or gateway.ErrNotFound.
// Reads are strongly consistent so a flushed record is immediately visible.
func (g *Gateway) Read(ctx context.Context, table, key string) (map[string]any, error) {
	if err := g.ctrl.AcquireCall(ctx); err != nil {
		return nil, err
	}
	defer g.ctrl.ReleaseCall()

	resp, err := g.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(g.prefix + table),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s from DynamoDB: %w", table, key, err)
	}
	if resp.Item == nil {
		return nil, gateway.ErrNotFound
	}
	return g.decodeItem(table, resp.Item)
}

// BatchUpsert writes all rows via chunked BatchWriteItem calls, resubmitting
// unprocessed items a bounded number of times. Any remaining failure fails
// the whole call; the engine keeps the records dirty and retries later.
func (g *Gateway) BatchUpsert(ctx context.Context, table string, rows []gateway.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tbl := g.prefix + table
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	requests := make([]types.WriteRequest, 0, len(rows))
	for _, r := range rows {
		data, err := g.codec.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s/%s: %w", table, r.Key, err)
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					"key":        &types.AttributeValueMemberS{Value: r.Key},
					"data":       &types.AttributeValueMemberS{Value: string(data)},
					"updated_at": &types.AttributeValueMemberN{Value: now},
				},
			},
		})
	}

	for len(requests) > 0 {
		chunk := requests
		if len(chunk) > batchWriteLimit {
			chunk = chunk[:batchWriteLimit]
		}
		requests = requests[len(chunk):]

		if err := g.writeChunk(ctx, tbl, chunk); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
	}
	return nil
}

func (g *Gateway) writeChunk(ctx context.Context, tbl string, chunk []types.WriteRequest) error {
	for attempt := 0; ; attempt++ {
		if err := g.ctrl.AcquireRows(ctx, len(chunk)); err != nil {
			return err
		}
		if err := g.ctrl.AcquireCall(ctx); err != nil {
			return err
		}
		resp, err := g.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{tbl: chunk},
		})
		g.ctrl.ReleaseCall()
		if err != nil {
			return err
		}

		unprocessed := resp.UnprocessedItems[tbl]
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt >= unprocessedRetries {
			return fmt.Errorf("%d items unprocessed after %d attempts", len(unprocessed), attempt+1)
		}
		chunk = unprocessed
	}
}

// Query scans the table with the predicate fragment as a native filter
// expression. Results are returned in key order for determinism.
func (g *Gateway) Query(ctx context.Context, table, predicate string, limit int) ([]gateway.Row, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	if err := g.ctrl.AcquireCall(ctx); err != nil {
		return nil, err
	}
	defer g.ctrl.ReleaseCall()

	input := &dynamodb.ScanInput{
		TableName: aws.String(g.prefix + table),
		Limit:     aws.Int32(int32(limit)),
	}
	if predicate != "" {
		input.FilterExpression = aws.String(predicate)
	}

	resp, err := g.client.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}

	rows := make([]gateway.Row, 0, len(resp.Items))
	for _, item := range resp.Items {
		keyAttr, ok := item["key"].(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("invalid key attribute in %s", table)
		}
		payload, err := g.decodeItem(table, item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, gateway.Row{Key: keyAttr.Value, Payload: payload})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

// Close is a no-op; the DynamoDB client holds no local resources.
func (g *Gateway) Close(context.Context) error { return nil }

func (g *Gateway) decodeItem(table string, item map[string]types.AttributeValue) (map[string]any, error) {
	dataAttr, ok := item["data"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("invalid data attribute in %s", table)
	}
	var payload map[string]any
	if err := g.codec.Unmarshal([]byte(dataAttr.Value), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload in %s: %w", table, err)
	}
	return payload, nil
}
