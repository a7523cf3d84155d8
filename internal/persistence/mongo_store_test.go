package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzkrinner/gitfix/internal/testutil"
)

type MongoStoreSuite struct {
	StoreSuite
}

func TestMongoStore(t *testing.T) {
	uri := testutil.GetMongoURI(t)
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := "gitfix_test"
	require.NoError(t, client.Database(db).Drop(ctx))

	store, err := NewMongoStore(ctx, client, db)
	require.NoError(t, err)

	s := new(MongoStoreSuite)
	s.store = store
	suite.Run(t, s)
}
