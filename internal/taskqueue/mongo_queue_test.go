package taskqueue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzkrinner/gitfix/internal/testutil"
)

func TestMongoQueue(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runQueueContract(t, func(t *testing.T) Queue {
		return NewMongoQueue(client, "gitfix_test", "tasks_"+uuid.NewString())
	})
}
