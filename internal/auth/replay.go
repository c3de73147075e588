package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"callcore/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ReplayLedger remembers redeemed token ids until they expire.
// Consume fails with ErrTokenReplayed for an id it has already seen.
type ReplayLedger interface {
	Consume(ctx context.Context, jti string, expiresAt time.Time) error
}

// MemoryReplayLedger is a single-process ledger for local runs and tests.
type MemoryReplayLedger struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryReplayLedger() *MemoryReplayLedger {
	return &MemoryReplayLedger{seen: make(map[string]time.Time), clock: time.Now}
}

func (l *MemoryReplayLedger) Consume(ctx context.Context, jti string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for id, exp := range l.seen {
		if !exp.After(now) {
			delete(l.seen, id)
		}
	}
	if _, ok := l.seen[jti]; ok {
		return apperr.ErrTokenReplayed
	}
	l.seen[jti] = expiresAt
	return nil
}

// dynamodbAPI is the subset of *dynamodb.Client used by DynamoReplayLedger.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoReplayLedger stores one item per redeemed token id. The table's TTL
// attribute is "ttl" so DynamoDB drops entries once the token has expired.
type DynamoReplayLedger struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoReplayLedger(api dynamodbAPI, tableName string) (*DynamoReplayLedger, error) {
	if api == nil {
		return nil, errors.New("auth: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("auth: replay table name must not be empty")
	}
	return &DynamoReplayLedger{api: api, tableName: tableName}, nil
}

func (l *DynamoReplayLedger) Consume(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"jti": &types.AttributeValueMemberS{Value: jti},
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(jti)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("auth: token %s: %w", jti, apperr.ErrTokenReplayed)
		}
		return apperr.Upstream("auth: replay ledger put", err)
	}
	return nil
}
