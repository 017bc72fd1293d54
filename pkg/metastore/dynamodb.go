package metastore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKeyAttr = "Id"
	sortKeyAttr      = "Created"
	keyRecordAttr    = "KeyRecord"
)

var (
	_ envelope.Metastore      = (*DynamoDBMetastore)(nil)
	_ envelope.RegionSuffixed = (*DynamoDBMetastore)(nil)

	loadDynamoDBTimer       = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.load", nil)
	loadLatestDynamoDBTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	storeDynamoDBTimer      = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".metastore.dynamodb.store", nil)
)

// DynamoDBClientAPI is the subset of the DynamoDB client used here.
type DynamoDBClientAPI interface {
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	QueryWithContext(aws.Context, *dynamodb.QueryInput, ...request.Option) (*dynamodb.QueryOutput, error)
}

// DynamoDBMetastore implements envelope.Metastore against a DynamoDB table
// keyed by (Id, Created). Load, LoadLatest and Store use key ids exactly as
// given; with region suffixing enabled the metastore reports its client's
// region through GetRegionSuffix (spec §4.7a), and SessionFactory then builds
// partitions whose System/Intermediate Key ids carry that suffix, so that a
// global table's last-writer-wins replication never overwrites another
// region's System Key row.
type DynamoDBMetastore struct {
	svc          DynamoDBClientAPI
	regionSuffix string
	tableName    string
}

// GetRegionSuffix implements envelope.RegionSuffixed.
func (d *DynamoDBMetastore) GetRegionSuffix() string {
	return d.regionSuffix
}

// DynamoDBMetastoreOption configures a DynamoDBMetastore.
type DynamoDBMetastoreOption func(d *DynamoDBMetastore, p client.ConfigProvider)

// WithRegionSuffix makes GetRegionSuffix report the client's configured
// region, which SessionFactory appends to the System and Intermediate Key ids
// of the partitions it builds; the metastore itself does not rewrite the ids
// it loads or stores. Enable this when the
// backing table is a DynamoDB global table to avoid cross-region write
// conflicts under last-writer-wins replication.
func WithRegionSuffix(enabled bool) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, p client.ConfigProvider) {
		if enabled {
			cfg := p.ClientConfig(dynamodb.EndpointsID)
			d.regionSuffix = *cfg.Config.Region
		}
	}
}

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(table string) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, p client.ConfigProvider) {
		if table != "" {
			d.tableName = table
		}
	}
}

// WithDynamoDBClient overrides the constructed client, useful for tests.
func WithDynamoDBClient(c DynamoDBClientAPI) DynamoDBMetastoreOption {
	return func(d *DynamoDBMetastore, p client.ConfigProvider) {
		d.svc = c
	}
}

// NewDynamoDBMetastore constructs a DynamoDBMetastore from an AWS session.
func NewDynamoDBMetastore(sess client.ConfigProvider, opts ...DynamoDBMetastoreOption) *DynamoDBMetastore {
	d := &DynamoDBMetastore{
		svc:       dynamodb.New(sess),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		opt(d, sess)
	}

	return d
}

func parseDynamoDBResult(av *dynamodb.AttributeValue) (*envelope.EnvelopeKeyRecord, error) {
	var en dynamoDBEnvelope
	if err := dynamodbattribute.Unmarshal(av, &en); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %w", err)
	}

	return &envelope.EnvelopeKeyRecord{
		Revoked:       en.Revoked,
		Created:       en.Created,
		EncryptedKey:  key,
		ParentKeyMeta: en.ParentKeyMeta,
	}, nil
}

// Load implements envelope.Metastore.
func (d *DynamoDBMetastore) Load(ctx context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]*dynamodb.AttributeValue{
			partitionKeyAttr: {S: aws.String(keyID)},
			sortKeyAttr:      {N: aws.String(strconv.FormatInt(created, 10))},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore error: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return parseDynamoDBResult(res.Item[keyRecordAttr])
}

// LoadLatest implements envelope.Metastore.
func (d *DynamoDBMetastore) LoadLatest(ctx context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoDBTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKeyAttr).Equal(expression.Value(keyID))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.QueryWithContext(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int64(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return parseDynamoDBResult(res.Items[0][keyRecordAttr])
}

// dynamoDBEnvelope is the wire shape stored in DynamoDB: the encrypted key
// bytes are base64-encoded since DynamoDB attribute values are not raw bytes
// friendly once nested inside a map attribute via dynamodbattribute.
type dynamoDBEnvelope struct {
	Revoked       bool             `json:"Revoked,omitempty"`
	Created       int64            `json:"Created"`
	EncryptedKey  string           `json:"Key"`
	ParentKeyMeta *envelope.KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// Store implements envelope.Metastore using a conditional put so a
// concurrent writer that already created (keyID, created) is reported as a
// lost race rather than a silent overwrite (spec P3 at-most-once insert).
func (d *DynamoDBMetastore) Store(ctx context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoDBTimer.UpdateSince(time.Now())

	en := dynamoDBEnvelope{
		Revoked:       ekr.Revoked,
		Created:       ekr.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(ekr.EncryptedKey),
		ParentKeyMeta: ekr.ParentKeyMeta,
	}

	av, err := dynamodbattribute.MarshalMap(&en)
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope key record: %w", err)
	}

	_, err = d.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item: map[string]*dynamodb.AttributeValue{
			partitionKeyAttr: {S: aws.String(keyID)},
			sortKeyAttr:      {N: aws.String(strconv.FormatInt(created, 10))},
			keyRecordAttr:    {M: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKeyAttr + ")"),
	})
	if err != nil {
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return false, nil
		}

		return false, fmt.Errorf("error storing key %s, %d: %w", keyID, created, err)
	}

	return true, nil
}
