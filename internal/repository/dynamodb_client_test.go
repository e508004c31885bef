package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"career-mentor/internal/domain"
)

type fakeDynamo struct {
	getOut     *dynamodb.GetItemOutput
	getOuts    []*dynamodb.GetItemOutput
	getErr     error
	putErr     error
	updateErr  error
	deleteErr  error
	queryOuts  []*dynamodb.QueryOutput
	queryErr   error
	txErr      error
	batchOuts  []*dynamodb.BatchWriteItemOutput
	batchErr   error
	getCalls   int
	queryCalls int

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastDeleteInput *dynamodb.DeleteItemInput
	queryInputs     []dynamodb.QueryInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
	batchInputs     []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	idx := f.getCalls
	f.getCalls++
	if idx < len(f.getOuts) {
		return f.getOuts[idx], f.getErr
	}
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	idx := f.queryCalls
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if idx < len(f.queryOuts) {
		return f.queryOuts[idx], nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	idx := len(f.batchInputs)
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if idx < len(f.batchOuts) {
		return f.batchOuts[idx], nil
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...Option) *Client {
	t.Helper()
	c, err := New(db, "test-table", opts...)
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func makeMetaItem(id string, msgCount int, busy bool, busySince time.Time) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":      &types.AttributeValueMemberS{Value: id},
		"education":      &types.AttributeValueMemberS{Value: "BS CS"},
		"skills":         &types.AttributeValueMemberS{Value: "Python"},
		"interests":      &types.AttributeValueMemberS{Value: "Data"},
		"shortTermGoals": &types.AttributeValueMemberS{Value: "get a job"},
		"longTermGoals":  &types.AttributeValueMemberS{Value: "lead a team"},
		"busy":           &types.AttributeValueMemberBOOL{Value: busy},
		"msgCount":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", msgCount)},
		"createdAt":      &types.AttributeValueMemberS{Value: "2026-10-19T11:00:00Z"},
	}
	if !busySince.IsZero() {
		item["busySince"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", busySince.Unix())}
	}
	return item
}

func makeMsgItem(id string, seq int, role, content string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(seq)},
		"role":    &types.AttributeValueMemberS{Value: role},
		"content": &types.AttributeValueMemberS{Value: content},
	}
}

func metaOut(item map[string]types.AttributeValue) *dynamodb.GetItemOutput {
	return &dynamodb.GetItemOutput{Item: item}
}

// ---------------------------------------------------------------------------
// New / keys
// ---------------------------------------------------------------------------

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNew_Options(t *testing.T) {
	c, err := New(&fakeDynamo{}, "t", WithTTL(time.Hour), WithBusyLease(time.Minute), WithTTL(0))
	require.NoError(t, err)
	require.Equal(t, time.Hour, c.ttl)
	require.Equal(t, time.Minute, c.busyLease)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "SESSION#abc", sessionPK("abc"))
	require.Equal(t, "MSG#000001", msgSK(1))
	require.Less(t, msgSK(9), msgSK(10))
}

// ---------------------------------------------------------------------------
// CreateSession
// ---------------------------------------------------------------------------

func TestCreateSession_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db, WithTTL(time.Hour))
	err := c.CreateSession(context.Background(), domain.Session{
		ID:      "abc",
		Profile: domain.Profile{Education: "BS CS", AttachmentName: "cv.pdf"},
		Busy:    true,
	})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "SESSION#abc", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "cv.pdf", item["attachmentName"].(*types.AttributeValueMemberS).Value)
	require.False(t, item["busy"].(*types.AttributeValueMemberBOOL).Value, "sessions start idle")
	require.Equal(t, "0", item["msgCount"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, fmt.Sprintf("%d", fixedNow.Add(time.Hour).Unix()), item["ttl"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, item, "busySince")
	require.NotContains(t, item, "turnToken")
}

func TestCreateSession_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	err := c.CreateSession(context.Background(), domain.Session{ID: "abc"})
	require.ErrorContains(t, err, "CreateSession")

	err = c.CreateSession(context.Background(), domain.Session{ID: " "})
	require.ErrorContains(t, err, "must not be empty")
}

// ---------------------------------------------------------------------------
// GetSession
// ---------------------------------------------------------------------------

func TestGetSession_HappyPath_PagesInOrder(t *testing.T) {
	db := &fakeDynamo{
		getOut: metaOut(makeMetaItem("abc", 3, false, time.Time{})),
		queryOuts: []*dynamodb.QueryOutput{
			{
				Items: []map[string]types.AttributeValue{
					makeMsgItem("abc", 1, "user", "I'm looking for career guidance"),
					makeMsgItem("abc", 2, "assistant", "Hello"),
				},
				LastEvaluatedKey: makeMsgItem("abc", 2, "assistant", "Hello"),
			},
			{Items: []map[string]types.AttributeValue{makeMsgItem("abc", 3, "user", "What next?")}},
		},
	}
	c := mustNewClient(t, db)
	sess, err := c.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", sess.ID)
	require.Equal(t, "Python", sess.Profile.Skills)
	require.False(t, sess.Busy)
	require.Equal(t, []domain.Message{
		domain.UserMessage("I'm looking for career guidance"),
		domain.AssistantMessage("Hello"),
		domain.UserMessage("What next?"),
	}, sess.Transcript)

	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryInputs[0].KeyConditionExpression)
	require.True(t, *db.queryInputs[0].ScanIndexForward)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestGetSession_BusyLease(t *testing.T) {
	db := &fakeDynamo{getOut: metaOut(makeMetaItem("abc", 0, true, fixedNow.Add(-time.Minute)))}
	c := mustNewClient(t, db)
	sess, err := c.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, sess.Busy)
	require.Empty(t, sess.Transcript)

	db = &fakeDynamo{getOut: metaOut(makeMetaItem("abc", 0, true, fixedNow.Add(-time.Hour)))}
	c = mustNewClient(t, db)
	sess, err = c.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, sess.Busy, "expired lease is not reported as busy")
}

func TestGetSession_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetSession(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestGetSession_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetSession(context.Background(), "abc")
	require.ErrorContains(t, err, "GetSession")

	c = mustNewClient(t, &fakeDynamo{getOut: metaOut(makeMetaItem("abc", 0, false, time.Time{})), queryErr: errors.New("ResourceNotFoundException")})
	_, err = c.GetSession(context.Background(), "abc")
	require.ErrorContains(t, err, "GetSession query")

	bad := makeMsgItem("abc", 1, "system", "x")
	c = mustNewClient(t, &fakeDynamo{
		getOut:    metaOut(makeMetaItem("abc", 1, false, time.Time{})),
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{bad}}},
	})
	_, err = c.GetSession(context.Background(), "abc")
	require.ErrorContains(t, err, "unknown role")

	meta := makeMetaItem("abc", 0, false, time.Time{})
	delete(meta, "skills")
	c = mustNewClient(t, &fakeDynamo{getOut: metaOut(meta)})
	_, err = c.GetSession(context.Background(), "abc")
	require.ErrorContains(t, err, "skills")
}

// ---------------------------------------------------------------------------
// AppendMessages
// ---------------------------------------------------------------------------

func TestAppendMessages_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: metaOut(makeMetaItem("abc", 2, true, fixedNow))}
	c := mustNewClient(t, db)
	err := c.AppendMessages(context.Background(), "abc", domain.UserMessage("q"), domain.AssistantMessage("a"))
	require.NoError(t, err)

	tx := db.lastTxInput.TransactItems
	require.Len(t, tx, 3)
	require.Equal(t, "MSG#000003", tx[0].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "user", tx[0].Put.Item["role"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "MSG#000004", tx[1].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "assistant", tx[1].Put.Item["role"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *tx[0].Put.ConditionExpression)

	update := tx[2].Update
	require.Equal(t, "attribute_exists(PK) AND msgCount = :cur", *update.ConditionExpression)
	require.Equal(t, "2", update.ExpressionAttributeValues[":cur"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "4", update.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN).Value)
}

func TestAppendMessages_NoMessages(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.AppendMessages(context.Background(), "abc"))
	require.Zero(t, db.getCalls)
}

func TestAppendMessages_SessionMissing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	err := c.AppendMessages(context.Background(), "abc", domain.UserMessage("q"))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAppendMessages_SessionDeletedDuringTransaction(t *testing.T) {
	db := &fakeDynamo{
		getOuts: []*dynamodb.GetItemOutput{metaOut(makeMetaItem("abc", 1, true, fixedNow)), {}},
		txErr:   &types.TransactionCanceledException{Message: aws.String("Transaction cancelled")},
	}
	c := mustNewClient(t, db)
	err := c.AppendMessages(context.Background(), "abc", domain.AssistantMessage("late"))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.Equal(t, 2, db.getCalls)
}

func TestAppendMessages_TransactionError(t *testing.T) {
	db := &fakeDynamo{
		getOut: metaOut(makeMetaItem("abc", 1, true, fixedNow)),
		txErr:  &types.TransactionCanceledException{Message: aws.String("count moved")},
	}
	c := mustNewClient(t, db)
	err := c.AppendMessages(context.Background(), "abc", domain.UserMessage("q"))
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrSessionNotFound)
	require.Contains(t, err.Error(), "AppendMessages")
}

func TestAppendMessages_InvalidRole(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: metaOut(makeMetaItem("abc", 0, true, fixedNow))})
	err := c.AppendMessages(context.Background(), "abc", domain.Message{Content: "no role"})
	require.ErrorContains(t, err, "cannot marshal")
}

// ---------------------------------------------------------------------------
// AcquireTurn / ReleaseTurn
// ---------------------------------------------------------------------------

func stubTurnToken(t *testing.T, token string) {
	t.Helper()
	restore := newTurnToken
	newTurnToken = func() string { return token }
	t.Cleanup(func() { newTurnToken = restore })
}

func TestAcquireTurn_HappyPath(t *testing.T) {
	stubTurnToken(t, "turn-1")
	db := &fakeDynamo{}
	c := mustNewClient(t, db, WithBusyLease(time.Minute))
	token, ok, err := c.AcquireTurn(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "turn-1", token)

	in := db.lastUpdateInput
	require.Equal(t, "SET busy = :true, busySince = :now, turnToken = :token", *in.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND (busy = :false OR busySince < :stale)", *in.ConditionExpression)
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
	require.Equal(t, fmt.Sprintf("%d", fixedNow.Add(-time.Minute).Unix()), in.ExpressionAttributeValues[":stale"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "turn-1", in.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value)
}

func TestAcquireTurn_AlreadyBusy(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
		Item:    makeMetaItem("abc", 2, true, fixedNow),
	}}
	c := mustNewClient(t, db)
	token, ok, err := c.AcquireTurn(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, token)
}

func TestAcquireTurn_SessionMissing(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}}
	c := mustNewClient(t, db)
	_, _, err := c.AcquireTurn(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAcquireTurn_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("ProvisionedThroughputExceededException")})
	_, _, err := c.AcquireTurn(context.Background(), "abc")
	require.ErrorContains(t, err, "AcquireTurn")
}

func TestReleaseTurn(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ReleaseTurn(context.Background(), "abc", "turn-1"))
	require.Equal(t, "SET busy = :false REMOVE busySince, turnToken", *db.lastUpdateInput.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND turnToken = :token", *db.lastUpdateInput.ConditionExpression)
	require.Equal(t, "turn-1", db.lastUpdateInput.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value)

	db.updateErr = &types.ConditionalCheckFailedException{Message: aws.String("gone")}
	require.ErrorIs(t, c.ReleaseTurn(context.Background(), "abc", "turn-1"), domain.ErrSessionNotFound)

	db.updateErr = errors.New("boom")
	require.ErrorContains(t, c.ReleaseTurn(context.Background(), "abc", "turn-1"), "ReleaseTurn")
}

func TestReleaseTurn_LeaseTakenOverKeepsNewHolder(t *testing.T) {
	// The first turn outlived its lease and a second turn now holds the flag.
	current := makeMetaItem("abc", 2, true, fixedNow)
	current["turnToken"] = &types.AttributeValueMemberS{Value: "turn-2"}
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{
		Message: aws.String("The conditional request failed"),
		Item:    current,
	}}
	c := mustNewClient(t, db)

	err := c.ReleaseTurn(context.Background(), "abc", "turn-1")
	require.ErrorIs(t, err, domain.ErrTurnNotHeld)
	require.NotErrorIs(t, err, domain.ErrSessionNotFound)
	require.Equal(t, "turn-1", db.lastUpdateInput.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value)
}

// ---------------------------------------------------------------------------
// DeleteSession
// ---------------------------------------------------------------------------

func TestDeleteSession_DeletesMetaThenMessagesInBatches(t *testing.T) {
	var keys []map[string]types.AttributeValue
	for i := 1; i <= 30; i++ {
		keys = append(keys, makeMsgItem("abc", i, "user", "x"))
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: keys}}}
	c := mustNewClient(t, db)

	require.NoError(t, c.DeleteSession(context.Background(), "abc"))
	require.Equal(t, "SESSION#abc", db.lastDeleteInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "PK, SK", *db.queryInputs[0].ProjectionExpression)
	require.Len(t, db.batchInputs, 2)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"], 5)
}

func TestDeleteSession_RetriesUnprocessed(t *testing.T) {
	item := makeMsgItem("abc", 1, "user", "x")
	unprocessed := map[string][]types.WriteRequest{"test-table": {{DeleteRequest: &types.DeleteRequest{Key: item}}}}
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{{UnprocessedItems: unprocessed}, {}},
	}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteSession(context.Background(), "abc"))
	require.Len(t, db.batchInputs, 2)

	db = &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{{UnprocessedItems: unprocessed}, {UnprocessedItems: unprocessed}, {UnprocessedItems: unprocessed}},
	}
	c = mustNewClient(t, db)
	require.ErrorContains(t, c.DeleteSession(context.Background(), "abc"), "unprocessed")
}

func TestDeleteSession_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{deleteErr: errors.New("boom")})
	require.ErrorContains(t, c.DeleteSession(context.Background(), "abc"), "DeleteSession")

	c = mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	require.ErrorContains(t, c.DeleteSession(context.Background(), "abc"), "DeleteSession query")

	c = mustNewClient(t, &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{makeMsgItem("abc", 1, "user", "x")}}},
		batchErr:  errors.New("boom"),
	})
	require.ErrorContains(t, c.DeleteSession(context.Background(), "abc"), "batch write")
}
