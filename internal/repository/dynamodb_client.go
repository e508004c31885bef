package repository

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
	"github.com/google/uuid"

	"career-mentor/internal/domain"
)

const (
	skPrefixMsg      = "MSG#"
	skMeta           = "META#"
	defaultTTL       = 24 * time.Hour
	defaultBusyLease = 5 * time.Minute
	batchWriteLimit  = 25
	maxBatchAttempts = 3
)

var errEmptySessionID = errors.New("repository: session ID must not be empty")

var newTurnToken = func() string {
	return uuid.NewString()
}

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores chat sessions in a single DynamoDB table. Each session is one
// META# item (profile, busy flag, message count) plus one MSG# item per
// transcript message, keyed by a zero-padded sequence number.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	busyLease time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTTL sets how long session items live before DynamoDB expires them.
func WithTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithBusyLease sets how long a busy flag holds before another turn may take
// it over. It only matters when an invocation dies without releasing.
func WithBusyLease(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.busyLease = d
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		ttl:       defaultTTL,
		busyLease: defaultBusyLease,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK returns the sort key for the seq-th message (1-based).
func msgSK(seq int) string {
	return fmt.Sprintf("%s%06d", skPrefixMsg, seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(c.ttl).Unix()
}

func metaKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// CreateSession writes the META# item for a new session. Sessions start
// idle; a turn takes the busy flag through AcquireTurn.
func (c *Client) CreateSession(ctx context.Context, s domain.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return errEmptySessionID
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.metaItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

// GetSession reads the session META# item and its transcript in order.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	sess, err := c.itemToSession(meta)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode meta: %w", err)
	}

	items, err := c.queryMessages(ctx, sessionID, "")
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession query: %w", err)
	}
	sess.Transcript = make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: GetSession unmarshal: %w", err)
		}
		sess.Transcript = append(sess.Transcript, msg)
	}
	return sess, nil
}

// AppendMessages writes msgs after the current tail in one transaction. The
// META# update is conditioned on the session still existing with the message
// count that was read, so a discarded session never gains messages.
func (c *Client) AppendMessages(ctx context.Context, sessionID string, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("repository: AppendMessages: %w", err)
	}
	count, err := intAttr(meta, "msgCount")
	if err != nil {
		return fmt.Errorf("repository: AppendMessages decode msgCount: %w", err)
	}

	ttl := c.ttlValue()
	txItems := make([]types.TransactWriteItem, 0, len(msgs)+1)
	for i, msg := range msgs {
		item, err := messageItem(sessionID, count+i+1, msg, ttl)
		if err != nil {
			return fmt.Errorf("repository: AppendMessages: %w", err)
		}
		txItems = append(txItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	txItems = append(txItems, types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(c.tableName),
			Key:                 metaKey(sessionID),
			UpdateExpression:    aws.String("SET msgCount = :next"),
			ConditionExpression: aws.String("attribute_exists(PK) AND msgCount = :cur"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":next": numAttr(count + len(msgs)),
				":cur":  numAttr(count),
			},
		},
	})

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: txItems})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			if _, metaErr := c.getMeta(ctx, sessionID); errors.Is(metaErr, domain.ErrSessionNotFound) {
				return fmt.Errorf("repository: AppendMessages: %w", domain.ErrSessionNotFound)
			}
		}
		return fmt.Errorf("repository: AppendMessages: %w", err)
	}
	return nil
}

// AcquireTurn sets the busy flag unless it is already held by a live lease,
// and records a fresh turn token. It reports false when another turn holds
// the flag.
func (c *Client) AcquireTurn(ctx context.Context, sessionID string) (string, bool, error) {
	now := c.now()
	token := newTurnToken()
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(sessionID),
		UpdateExpression:    aws.String("SET busy = :true, busySince = :now, turnToken = :token"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (busy = :false OR busySince < :stale)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   numAttr64(now.Unix()),
			":stale": numAttr64(now.Add(-c.busyLease).Unix()),
			":token": &types.AttributeValueMemberS{Value: token},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			if len(failed.Item) == 0 {
				return "", false, fmt.Errorf("repository: AcquireTurn: %w", domain.ErrSessionNotFound)
			}
			return "", false, nil
		}
		return "", false, fmt.Errorf("repository: AcquireTurn: %w", err)
	}
	return token, true, nil
}

// ReleaseTurn clears the busy flag while token still holds it. A turn that
// outlived its lease and was taken over gets domain.ErrTurnNotHeld and
// leaves the new holder's flag alone.
func (c *Client) ReleaseTurn(ctx context.Context, sessionID, token string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(sessionID),
		UpdateExpression:    aws.String("SET busy = :false REMOVE busySince, turnToken"),
		ConditionExpression: aws.String("attribute_exists(PK) AND turnToken = :token"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":token": &types.AttributeValueMemberS{Value: token},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			if len(failed.Item) == 0 {
				return fmt.Errorf("repository: ReleaseTurn: %w", domain.ErrSessionNotFound)
			}
			return fmt.Errorf("repository: ReleaseTurn: %w", domain.ErrTurnNotHeld)
		}
		return fmt.Errorf("repository: ReleaseTurn: %w", err)
	}
	return nil
}

// DeleteSession removes the META# item first, which hides the session from
// every other operation, then batch-deletes its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       metaKey(sessionID),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteSession: %w", err)
	}

	keys, err := c.queryMessages(ctx, sessionID, "PK, SK")
	if err != nil {
		return fmt.Errorf("repository: DeleteSession query: %w", err)
	}
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"PK": k["PK"], "SK": k["SK"]},
			}})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteSession: %w", err)
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("batch write: %d items unprocessed after %d attempts", len(pending[c.tableName]), maxBatchAttempts)
}

func (c *Client) getMeta(ctx context.Context, sessionID string) (map[string]types.AttributeValue, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errEmptySessionID
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return out.Item, nil
}

// queryMessages pages through every MSG# item of a session in sequence order.
func (c *Client) queryMessages(ctx context.Context, sessionID, projection string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) metaItem(s domain.Session) map[string]types.AttributeValue {
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":      &types.AttributeValueMemberS{Value: s.ID},
		"education":      &types.AttributeValueMemberS{Value: s.Profile.Education},
		"skills":         &types.AttributeValueMemberS{Value: s.Profile.Skills},
		"interests":      &types.AttributeValueMemberS{Value: s.Profile.Interests},
		"shortTermGoals": &types.AttributeValueMemberS{Value: s.Profile.ShortTermGoals},
		"longTermGoals":  &types.AttributeValueMemberS{Value: s.Profile.LongTermGoals},
		"attachmentName": &types.AttributeValueMemberS{Value: s.Profile.AttachmentName},
		"busy":           &types.AttributeValueMemberBOOL{Value: false},
		"msgCount":       numAttr(0),
		"createdAt":      &types.AttributeValueMemberS{Value: createdAt.UTC().Format(time.RFC3339)},
		"ttl":            numAttr64(c.ttlValue()),
	}
}

func (c *Client) itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	var sess domain.Session
	var err error
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"sessionId", &sess.ID},
		{"education", &sess.Profile.Education},
		{"skills", &sess.Profile.Skills},
		{"interests", &sess.Profile.Interests},
		{"shortTermGoals", &sess.Profile.ShortTermGoals},
		{"longTermGoals", &sess.Profile.LongTermGoals},
	} {
		if *f.dst, err = strAttr(item, f.key); err != nil {
			return domain.Session{}, err
		}
	}
	sess.Profile.AttachmentName, _ = strAttr(item, "attachmentName") // allow missing

	if created, err := strAttr(item, "createdAt"); err == nil {
		sess.CreatedAt, _ = time.Parse(time.RFC3339, created)
	}

	busy, _ := boolAttr(item, "busy")
	if busy {
		since, err := intAttr(item, "busySince")
		// An expired lease is free to be taken over, so it is not reported as busy.
		busy = err != nil || c.now().Add(-c.busyLease).Unix() <= int64(since)
	}
	sess.Busy = busy
	return sess, nil
}

func messageItem(sessionID string, seq int, msg domain.Message, ttl int64) (map[string]types.AttributeValue, error) {
	role, err := msg.Role.MarshalText()
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(seq)},
		"seq":     numAttr(seq),
		"role":    &types.AttributeValueMemberS{Value: string(role)},
		"content": &types.AttributeValueMemberS{Value: msg.Content},
		"ttl":     numAttr64(ttl),
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	rawRole, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: %w", err)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{Role: role, Content: content}, nil
}

func numAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func numAttr64(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
