package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBStore keeps tokens in a table keyed by "key" with the value under
// "value" and the expiry, in Unix seconds, under "expires_at". expires_at
// should be configured as the table's TTL attribute; because TTL deletion
// is lazy, Get also checks it.
type DynamoDBStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func NewDynamoDBStore(api dynamodbAPI, tableName string) (*DynamoDBStore, error) {
	if api == nil {
		return nil, errors.New("credentials: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("credentials: dynamodb table name must not be empty")
	}
	return &DynamoDBStore{api: api, tableName: tableName, now: time.Now}, nil
}

func (d *DynamoDBStore) Get(ctx context.Context, key string) (string, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("credentials: dynamodb get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", ErrNotFound
	}

	value, ok := out.Item["value"].(*types.AttributeValueMemberS)
	if !ok || value.Value == "" {
		return "", ErrNotFound
	}
	if exp, ok := out.Item["expires_at"].(*types.AttributeValueMemberN); ok {
		sec, err := strconv.ParseInt(exp.Value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("credentials: dynamodb decode expires_at: %w", err)
		}
		if d.now().Unix() >= sec {
			return "", ErrNotFound
		}
	}
	return value.Value, nil
}

func (d *DynamoDBStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := d.now().Add(ttl).Unix()
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"key":        &types.AttributeValueMemberS{Value: key},
			"value":      &types.AttributeValueMemberS{Value: value},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("credentials: dynamodb put %q: %w", key, err)
	}
	return nil
}

func (d *DynamoDBStore) Delete(ctx context.Context, key string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("credentials: dynamodb delete %q: %w", key, err)
	}
	return nil
}
