package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient is the subset of *dynamodb.Client methods used by DynamoDBEngine.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// workflowItem is the table row of one workflow instance. A separate
// worker picks up queued rows and runs the deletion steps.
type workflowItem struct {
	WorkflowID string `dynamodbav:"workflow_id"`
	Kind       string `dynamodbav:"kind"`
	Status     string `dynamodbav:"status"`
	Params     Params `dynamodbav:"params"`
	CreatedAt  int64  `dynamodbav:"created_at"`
}

// DynamoDBEngine creates workflows as conditional puts into a DynamoDB table.
type DynamoDBEngine struct {
	client    DynamoDBClient
	tableName string
	now       func() time.Time
}

// NewDynamoDBEngine creates a new DynamoDBEngine.
func NewDynamoDBEngine(client DynamoDBClient, tableName string) *DynamoDBEngine {
	return &DynamoDBEngine{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// Create inserts the workflow row unless one with the same id exists.
func (e *DynamoDBEngine) Create(ctx context.Context, id string, params Params) error {
	item, err := attributevalue.MarshalMap(workflowItem{
		WorkflowID: id,
		Kind:       "deletion",
		Status:     StatusQueued,
		Params:     params,
		CreatedAt:  e.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshalling workflow: %w", err)
	}

	_, err = e.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(e.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(workflow_id)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating workflow %s: %w", id, err)
	}
	return nil
}

var (
	_ Engine = (*MemoryEngine)(nil)
	_ Engine = (*DynamoDBEngine)(nil)
)
