package runs

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client used for leases.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLocker stores run leases in a DynamoDB table keyed by run_id.
type DynamoLocker struct {
	Client DynamoAPI
	Table  string
	Now    func() time.Time
}

type leaseItem struct {
	RunID     string `dynamodbav:"run_id"`
	Owner     string `dynamodbav:"owner"`
	Token     string `dynamodbav:"token"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	TTL       int64  `dynamodbav:"ttl"`
}

func (l *DynamoLocker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire writes the lease item when it is absent or expired.
func (l *DynamoLocker) Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (Lease, error) {
	now := l.now()
	lease := Lease{
		RunID:     runID,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	item, err := attributevalue.MarshalMap(leaseItem{
		RunID:     lease.RunID,
		Owner:     lease.Owner,
		Token:     lease.Token,
		ExpiresAt: lease.ExpiresAt.UnixMilli(),
		TTL:       lease.ExpiresAt.Add(time.Hour).Unix(),
	})
	if err != nil {
		return Lease{}, err
	}
	_, err = l.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(run_id) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisValue(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return Lease{}, ErrLocked
		}
		return Lease{}, err
	}
	return lease, nil
}

// Renew extends a lease still held by its token.
func (l *DynamoLocker) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	expires := l.now().Add(ttl)
	_, err := l.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.Table),
		Key:                 leaseKey(lease.RunID),
		UpdateExpression:    aws.String("SET expires_at = :exp, #ttl = :ttl"),
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{
			"#token": "token",
			"#ttl":   "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp":   millisValue(expires),
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expires.Add(time.Hour).Unix(), 10)},
			":token": &types.AttributeValueMemberS{Value: lease.Token},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return Lease{}, ErrLeaseLost
		}
		return Lease{}, err
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Release deletes the lease item if it is still held by its token.
func (l *DynamoLocker) Release(ctx context.Context, lease Lease) error {
	_, err := l.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(l.Table),
		Key:                      leaseKey(lease.RunID),
		ConditionExpression:      aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{"#token": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: lease.Token},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return err
	}
	return nil
}

func leaseKey(runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"run_id": &types.AttributeValueMemberS{Value: runID},
	}
}

func millisValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

var _ Locker = (*DynamoLocker)(nil)
