package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Activity ordering uses a
// per-instance sequence kept in a counters collection.
type MongoStore struct {
	instances *mongo.Collection
	activity  *mongo.Collection
	counters  *mongo.Collection
	steps     *mongo.Collection
	wakes     *mongo.Collection
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "gitfix" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "gitfix"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("instances"),
		activity:  db.Collection("activity"),
		counters:  db.Collection("activity_counters"),
		steps:     db.Collection("step_checkpoints"),
		wakes:     db.Collection("sleep_checkpoints"),
	}

	_, err := s.activity.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, api.StorageError("mongo indexes", err)
	}
	_, err = s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "repository_id", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return nil, api.StorageError("mongo indexes", err)
	}
	return s, nil
}

type mongoTriage struct {
	Classification string `bson:"classification"`
	Reasoning      string `bson:"reasoning"`
}

type mongoInstanceDoc struct {
	ID             string       `bson:"_id"`
	Workflow       string       `bson:"workflow"`
	RepositoryID   string       `bson:"repository_id"`
	IssueNumber    int          `bson:"issue_number"`
	Title          string       `bson:"title"`
	Body           string       `bson:"body"`
	URL            string       `bson:"url"`
	Status         string       `bson:"status"`
	Triage         *mongoTriage `bson:"triage,omitempty"`
	FixSummary     string       `bson:"fix_summary"`
	IssueComment   string       `bson:"issue_comment"`
	PRURL          string       `bson:"pr_url"`
	PRNumber       int          `bson:"pr_number"`
	BranchName     string       `bson:"branch_name"`
	RetryCount     int          `bson:"retry_count"`
	StartedAt      int64        `bson:"started_at"`
	ResolvedAt     int64        `bson:"resolved_at"`
	CreatedAt      int64        `bson:"created_at"`
	UpdatedAt      int64        `bson:"updated_at"`
	WakeAt         int64        `bson:"wake_at"`
	LeaseOwner     string       `bson:"lease_owner"`
	LeaseExpiresAt int64        `bson:"lease_expires_at"`
}

func toMongoDoc(inst *api.WorkflowInstance) mongoInstanceDoc {
	doc := mongoInstanceDoc{
		ID:           inst.ID,
		Workflow:     inst.Workflow,
		RepositoryID: inst.RepositoryID,
		IssueNumber:  inst.IssueNumber,
		Title:        inst.Title,
		Body:         inst.Body,
		URL:          inst.URL,
		Status:       string(inst.Status),
		FixSummary:   inst.FixSummary,
		IssueComment: inst.IssueComment,
		PRURL:        inst.PRURL,
		PRNumber:     inst.PRNumber,
		BranchName:   inst.BranchName,
		RetryCount:   inst.RetryCount,
		StartedAt:    toNanos(inst.StartedAt),
		ResolvedAt:   toNanos(inst.ResolvedAt),
		CreatedAt:    toNanos(inst.CreatedAt),
		UpdatedAt:    toNanos(inst.UpdatedAt),
		WakeAt:       toNanos(inst.WakeAt),
	}
	if inst.Triage != nil {
		doc.Triage = &mongoTriage{
			Classification: string(inst.Triage.Classification),
			Reasoning:      inst.Triage.Reasoning,
		}
	}
	return doc
}

func (d mongoInstanceDoc) toInstance() *api.WorkflowInstance {
	inst := &api.WorkflowInstance{
		ID:             d.ID,
		Workflow:       d.Workflow,
		RepositoryID:   d.RepositoryID,
		IssueNumber:    d.IssueNumber,
		Title:          d.Title,
		Body:           d.Body,
		URL:            d.URL,
		Status:         api.Status(d.Status),
		FixSummary:     d.FixSummary,
		IssueComment:   d.IssueComment,
		PRURL:          d.PRURL,
		PRNumber:       d.PRNumber,
		BranchName:     d.BranchName,
		RetryCount:     d.RetryCount,
		StartedAt:      fromNanos(d.StartedAt),
		ResolvedAt:     fromNanos(d.ResolvedAt),
		CreatedAt:      fromNanos(d.CreatedAt),
		UpdatedAt:      fromNanos(d.UpdatedAt),
		WakeAt:         fromNanos(d.WakeAt),
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: fromNanos(d.LeaseExpiresAt),
	}
	if d.Triage != nil {
		inst.Triage = &api.TriageResult{
			Classification: api.Classification(d.Triage.Classification),
			Reasoning:      d.Triage.Reasoning,
		}
	}
	return inst
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	_, err := s.instances.InsertOne(ctx, toMongoDoc(inst))
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return api.StorageError("create instance", err)
}

func (s *MongoStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	doc := toMongoDoc(inst)
	set := bson.M{
		"workflow":      doc.Workflow,
		"repository_id": doc.RepositoryID,
		"issue_number":  doc.IssueNumber,
		"title":         doc.Title,
		"body":          doc.Body,
		"url":           doc.URL,
		"status":        doc.Status,
		"triage":        doc.Triage,
		"fix_summary":   doc.FixSummary,
		"issue_comment": doc.IssueComment,
		"pr_url":        doc.PRURL,
		"pr_number":     doc.PRNumber,
		"branch_name":   doc.BranchName,
		"retry_count":   doc.RetryCount,
		"started_at":    doc.StartedAt,
		"resolved_at":   doc.ResolvedAt,
		"created_at":    doc.CreatedAt,
		"updated_at":    doc.UpdatedAt,
		"wake_at":       doc.WakeAt,
	}

	res, err := s.instances.UpdateByID(ctx, inst.ID, bson.M{"$set": set})
	if err != nil {
		return api.StorageError("update instance", err)
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, api.StorageError("get instance", err)
	}
	return doc.toInstance(), nil
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	bfilter := bson.M{}
	if filter.RepositoryID != "" {
		bfilter["repository_id"] = filter.RepositoryID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, api.StorageError("list instances", err)
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, doc.toInstance())
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError("list instances", err)
	}
	return results, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": owner},
			bson.M{"lease_expires_at": bson.M{"$lt": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":      owner,
		"lease_expires_at": now.Add(ttl).UnixNano(),
	}}

	res, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, api.StorageError("acquire lease", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return api.StorageError("release lease", err)
}

type mongoActivityDoc struct {
	ID         string `bson:"_id"`
	InstanceID string `bson:"instance_id"`
	Seq        int64  `bson:"seq"`
	Type       string `bson:"type"`
	Details    string `bson:"details"`
	CreatedAt  int64  `bson:"created_at"`
}

func (s *MongoStore) nextSeq(ctx context.Context, instanceID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (s *MongoStore) AppendActivity(ctx context.Context, instanceID string, d api.Details) (api.ActivityRecord, error) {
	payload, err := api.EncodeDetails(d)
	if err != nil {
		return api.ActivityRecord{}, err
	}
	seq, err := s.nextSeq(ctx, instanceID)
	if err != nil {
		return api.ActivityRecord{}, api.StorageError("append activity", err)
	}

	rec := api.ActivityRecord{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       d.Topic(),
		Details:    d,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.activity.InsertOne(ctx, mongoActivityDoc{
		ID:         rec.ID,
		InstanceID: instanceID,
		Seq:        seq,
		Type:       string(rec.Type),
		Details:    string(payload),
		CreatedAt:  rec.CreatedAt.UnixNano(),
	})
	if err != nil {
		return api.ActivityRecord{}, api.StorageError("append activity", err)
	}
	return rec, nil
}

func (s *MongoStore) ListActivity(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	cur, err := s.activity.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, api.StorageError("list activity", err)
	}
	defer cur.Close(ctx)

	var out []api.ActivityRecord
	for cur.Next(ctx) {
		var doc mongoActivityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		d, err := api.DecodeDetails(api.Topic(doc.Type), []byte(doc.Details))
		if err != nil {
			return nil, err
		}
		out = append(out, api.ActivityRecord{
			ID:         doc.ID,
			InstanceID: doc.InstanceID,
			Type:       api.Topic(doc.Type),
			Details:    d,
			CreatedAt:  fromNanos(doc.CreatedAt),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, api.StorageError("list activity", err)
	}
	return out, nil
}

type mongoCheckpointID struct {
	InstanceID string `bson:"i"`
	ID         string `bson:"s"`
}

func (s *MongoStore) LoadStep(ctx context.Context, instanceID, stepID string) ([]byte, bool, error) {
	var doc struct {
		Result []byte `bson:"result"`
	}
	err := s.steps.FindOne(ctx, bson.M{"_id": mongoCheckpointID{instanceID, stepID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, api.StorageError("load step", err)
	}
	return doc.Result, true, nil
}

func (s *MongoStore) SaveStep(ctx context.Context, instanceID, stepID string, data []byte) error {
	_, err := s.steps.InsertOne(ctx, bson.M{
		"_id":          mongoCheckpointID{instanceID, stepID},
		"result":       data,
		"completed_at": time.Now().UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return api.StorageError("save step", err)
}

func (s *MongoStore) LoadWake(ctx context.Context, instanceID, sleepID string) (time.Time, bool, error) {
	var doc struct {
		WakeAt int64 `bson:"wake_at"`
	}
	err := s.wakes.FindOne(ctx, bson.M{"_id": mongoCheckpointID{instanceID, sleepID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, api.StorageError("load wake", err)
	}
	return time.Unix(0, doc.WakeAt).UTC(), true, nil
}

func (s *MongoStore) SaveWake(ctx context.Context, instanceID, sleepID string, wakeAt time.Time) (time.Time, error) {
	_, err := s.wakes.InsertOne(ctx, bson.M{
		"_id":     mongoCheckpointID{instanceID, sleepID},
		"wake_at": wakeAt.UnixNano(),
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return time.Time{}, api.StorageError("save wake", err)
	}
	stored, _, err := s.LoadWake(ctx, instanceID, sleepID)
	return stored, err
}
