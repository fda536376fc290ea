// Package ddb provides a DynamoDB-backed Registry.
//
// A single table holds both membership sets and plain key/value entries:
//
//   - Partition key: k (string) — the set name or key
//   - Sets store their members in a string-set attribute "members",
//     mutated with ADD/DELETE update expressions (native set semantics,
//     safe under concurrent writers)
//   - Key/value entries store their value in attribute "v"
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name docwire-registry \
//	  --attribute-definitions AttributeName=k,AttributeType=S \
//	  --key-schema AttributeName=k,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package ddb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/docwire/registry"
)

// Client is the interface for the DynamoDB operations the registry needs.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Registry is a registry.Registry backed by one DynamoDB table.
type Registry struct {
	client    Client
	tableName string
}

// Compile-time interface check.
var _ registry.Registry = (*Registry)(nil)

// New creates a Registry over an existing DynamoDB client.
func New(client Client, tableName string) *Registry {
	return &Registry{client: client, tableName: tableName}
}

// NewDefault creates a Registry with a client built from the default AWS
// configuration (environment, shared config files, instance metadata).
func NewDefault(ctx context.Context, tableName string) (*Registry, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("ddb: load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), tableName), nil
}

func (r *Registry) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"k": &types.AttributeValueMemberS{Value: k},
	}
}

// IsMember reports whether member is in the named set. This is a single
// GetItem round-trip, not a scan.
func (r *Registry) IsMember(ctx context.Context, set, member string) (bool, error) {
	resp, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(set),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("ddb: get set %s: %w", set, err)
	}
	attr, ok := resp.Item["members"].(*types.AttributeValueMemberSS)
	if !ok {
		return false, nil
	}
	for _, m := range attr.Value {
		if m == member {
			return true, nil
		}
	}
	return false, nil
}

// AddMember adds member to the named set.
func (r *Registry) AddMember(ctx context.Context, set, member string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              r.key(set),
		UpdateExpression: aws.String("ADD members :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberSS{Value: []string{member}},
		},
	})
	if err != nil {
		return fmt.Errorf("ddb: add %s to set %s: %w", member, set, err)
	}
	return nil
}

// RemoveMember removes member from the named set. DynamoDB drops the
// attribute when the set empties, so no cleanup pass is needed.
func (r *Registry) RemoveMember(ctx context.Context, set, member string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              r.key(set),
		UpdateExpression: aws.String("DELETE members :m"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m": &types.AttributeValueMemberSS{Value: []string{member}},
		},
	})
	if err != nil {
		return fmt.Errorf("ddb: remove %s from set %s: %w", member, set, err)
	}
	return nil
}

// Get returns the value stored under key, or registry.ErrNotFound.
func (r *Registry) Get(ctx context.Context, key string) (string, error) {
	resp, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ddb: get %s: %w", key, err)
	}
	attr, ok := resp.Item["v"].(*types.AttributeValueMemberS)
	if !ok {
		return "", registry.ErrNotFound
	}
	return attr.Value, nil
}

// Set stores value under key.
func (r *Registry) Set(ctx context.Context, key, value string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: key},
			"v": &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return fmt.Errorf("ddb: put %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent stores value under key with a conditional write, so concurrent
// claims from different workers cannot both win.
func (r *Registry) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: key},
			"v": &types.AttributeValueMemberS{Value: value},
		},
		ConditionExpression: aws.String("attribute_not_exists(k)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("ddb: conditional put %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (r *Registry) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(key),
	})
	if err != nil {
		return fmt.Errorf("ddb: delete %s: %w", key, err)
	}
	return nil
}
