package icons

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

func setupTestDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createItem(t *testing.T, store *storage.SQLiteStorage, name string, vec []float32) *types.CanonicalFoodItem {
	t.Helper()
	item := &types.CanonicalFoodItem{
		Name:       name,
		Embedding:  vec,
		Provenance: types.Provenance{Source: types.SourceGenerated},
		Servings:   []types.Serving{{Name: "serving", WeightGrams: types.Float(100), DefaultAmount: 1}},
	}
	require.NoError(t, store.CreateFoodItem(context.Background(), item))
	return item
}

func TestLinker_ReusesSimilarIcon(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	apple := &storage.Icon{Name: "apple", URL: "https://icons.example/apple.png", Embedding: []float32{1, 0, 0}}
	require.NoError(t, store.CreateIcon(ctx, apple))

	item := createItem(t, store, "Gala Apple", []float32{0.99, 0.05, 0})
	linker := NewLinker(store, NewSQLQueue(store), 0, nil)

	out, err := linker.Link(ctx, item)
	require.NoError(t, err)
	require.NotNil(t, out.IconID)
	assert.Equal(t, apple.ID, *out.IconID)
	assert.Empty(t, out.JobID)

	loaded, err := store.GetFoodItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.IconID)
	assert.Equal(t, apple.ID, *loaded.IconID)
}

func TestLinker_EnqueuesJobWhenNothingClose(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.CreateIcon(ctx, &storage.Icon{Name: "apple", Embedding: []float32{1, 0, 0}}))

	item := createItem(t, store, "Pad Thai", []float32{0, 1, 0})
	linker := NewLinker(store, NewSQLQueue(store), 0.9, nil)

	out, err := linker.Link(ctx, item)
	require.NoError(t, err)
	assert.Nil(t, out.IconID)
	require.NotEmpty(t, out.JobID)

	jobs, err := store.ListIconJobs(ctx, storage.IconJobQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, out.JobID, jobs[0].ID)
	assert.Equal(t, item.ID, jobs[0].FoodItemID)
	assert.Equal(t, "Pad Thai", jobs[0].Name)
}

func TestLinker_EmptyIconTableEnqueues(t *testing.T) {
	store := setupTestDB(t)
	item := createItem(t, store, "Oats", []float32{1, 0, 0})

	out, err := NewLinker(store, NewSQLQueue(store), 0, nil).Link(context.Background(), item)
	require.NoError(t, err)
	assert.NotEmpty(t, out.JobID)
}

type failingQueue struct{ calls int }

func (f *failingQueue) Enqueue(context.Context, *storage.IconJob) error {
	f.calls++
	return errors.New("queue down")
}

func TestLinker_DispatchSurvivesCancelledCaller(t *testing.T) {
	store := setupTestDB(t)
	item := createItem(t, store, "Kimchi", []float32{0, 0, 1})
	linker := NewLinker(store, NewSQLQueue(store), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	linker.Dispatch(ctx, item)
	cancel()
	linker.Wait()

	jobs, err := store.ListIconJobs(context.Background(), storage.IconJobQueued, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestLinker_DispatchFailureIsOnlyLogged(t *testing.T) {
	store := setupTestDB(t)
	item := createItem(t, store, "Kimchi", nil)
	queue := &failingQueue{}
	linker := NewLinker(store, queue, 0, nil)

	linker.Dispatch(context.Background(), item)
	linker.Wait()
	assert.Equal(t, 1, queue.calls)
}

func TestLinker_RequiresPersistedItem(t *testing.T) {
	store := setupTestDB(t)
	_, err := NewLinker(store, NewSQLQueue(store), 0, nil).Link(context.Background(), &types.CanonicalFoodItem{Name: "x"})
	assert.Error(t, err)
}

type mockSQSAPI struct {
	sendMessageFunc func(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

func (m *mockSQSAPI) SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return m.sendMessageFunc(ctx, input, optFns...)
}

func TestSQSQueue_Enqueue(t *testing.T) {
	var sent *sqs.SendMessageInput
	mock := &mockSQSAPI{
		sendMessageFunc: func(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			sent = input
			return &sqs.SendMessageOutput{}, nil
		},
	}
	q := NewSQSQueueWithAPI(mock, "https://sqs.us-east-1.amazonaws.com/123/icons")

	err := q.Enqueue(context.Background(), &storage.IconJob{ID: "job-1", FoodItemID: 42, Name: "Pad Thai"})
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/icons", *sent.QueueUrl)

	var body jobMessage
	require.NoError(t, json.Unmarshal([]byte(*sent.MessageBody), &body))
	assert.Equal(t, jobMessage{JobID: "job-1", FoodItemID: 42, Name: "Pad Thai"}, body)
}

func TestSQSQueue_SendError(t *testing.T) {
	mock := &mockSQSAPI{
		sendMessageFunc: func(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	err := NewSQSQueueWithAPI(mock, "url").Enqueue(context.Background(), &storage.IconJob{ID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestNewQueue(t *testing.T) {
	store := setupTestDB(t)
	q, err := NewQueue(context.Background(), config.IconsConfig{Queue: "sql"}, store)
	require.NoError(t, err)
	assert.IsType(t, &SQLQueue{}, q)

	_, err = NewQueue(context.Background(), config.IconsConfig{Queue: "kafka"}, store)
	assert.Error(t, err)
}
