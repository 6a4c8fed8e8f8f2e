package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hiveline/internal/domain"
)

const duplicateKeyCode = 11000

type mongoJob struct {
	Service  string     `bson:"service"`
	SimID    string     `bson:"sim-id"`
	JobID    string     `bson:"job-id"`
	Status   string     `bson:"status"`
	Created  time.Time  `bson:"created"`
	Started  *time.Time `bson:"started,omitempty"`
	Finished *time.Time `bson:"finished,omitempty"`
	Error    string     `bson:"error,omitempty"`
}

// MongoLedger keeps jobs in a shared MongoDB collection so workers on several
// machines can drain the same simulation.
type MongoLedger struct {
	Collection *mongo.Collection
	Now        func() time.Time
}

// ConnectMongo dials and pings the server.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// NewMongoLedger ensures the unique (service, sim-id, job-id) index exists.
func NewMongoLedger(ctx context.Context, db *mongo.Database, collection string) (MongoLedger, error) {
	if collection == "" {
		collection = "jobs"
	}
	coll := db.Collection(collection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "service", Value: 1}, {Key: "sim-id", Value: 1}, {Key: "job-id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "service", Value: 1}, {Key: "sim-id", Value: 1}, {Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return MongoLedger{}, fmt.Errorf("create job indexes: %w", err)
	}
	return MongoLedger{Collection: coll, Now: time.Now}, nil
}

func (l MongoLedger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func scope(simID, service string) bson.M {
	return bson.M{"service": service, "sim-id": simID}
}

func (l MongoLedger) CreateJobs(ctx context.Context, simID, service string, ids []string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	created := l.now()
	docs := make([]any, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, mongoJob{Service: service, SimID: simID, JobID: id, Status: string(domain.JobPending), Created: created})
	}
	_, err := l.Collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && bwe.WriteConcernError == nil {
		for _, we := range bwe.WriteErrors {
			if we.Code != duplicateKeyCode {
				return fmt.Errorf("insert jobs: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("insert jobs: %w", err)
}

// PopJob claims one pending job with FindOneAndUpdate, which is atomic per document.
func (l MongoLedger) PopJob(ctx context.Context, simID, service string) (string, bool, error) {
	filter := scope(simID, service)
	filter["status"] = string(domain.JobPending)
	update := bson.M{
		"$set":   bson.M{"status": string(domain.JobStarted), "started": l.now()},
		"$unset": bson.M{"finished": "", "error": ""},
	}
	var doc mongoJob
	err := l.Collection.FindOneAndUpdate(ctx, filter, update).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop job: %w", err)
	}
	return doc.JobID, true, nil
}

func (l MongoLedger) UpdateJob(ctx context.Context, simID, service, jobID string, status domain.JobStatus, errText string) error {
	if err := validateResult(status); err != nil {
		return err
	}
	filter := scope(simID, service)
	filter["job-id"] = jobID
	filter["status"] = string(domain.JobStarted)
	set := bson.M{"status": string(status), "finished": l.now()}
	if errText != "" {
		set["error"] = errText
	}
	res, err := l.Collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	current, err := l.GetJob(ctx, simID, service, jobID)
	if err != nil {
		return err
	}
	if err := ensureTransition(jobID, current.Status, status); err != nil {
		return err
	}
	return fmt.Errorf("job %s changed concurrently", jobID)
}

func (l MongoLedger) GetJob(ctx context.Context, simID, service, jobID string) (domain.Job, error) {
	filter := scope(simID, service)
	filter["job-id"] = jobID
	var doc mongoJob
	err := l.Collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return domain.Job{}, err
	}
	return domain.Job{
		Service:  doc.Service,
		SimID:    doc.SimID,
		JobID:    doc.JobID,
		Status:   domain.JobStatus(doc.Status),
		Created:  doc.Created,
		Started:  doc.Started,
		Finished: doc.Finished,
		Error:    doc.Error,
	}, nil
}

func (l MongoLedger) ResetJobs(ctx context.Context, simID, service string) (int, error) {
	return l.reset(ctx, scope(simID, service))
}

func (l MongoLedger) ResetFailedJobs(ctx context.Context, simID, service string) (int, error) {
	filter := scope(simID, service)
	filter["status"] = string(domain.JobFailed)
	return l.reset(ctx, filter)
}

func (l MongoLedger) ResetTimedOutJobs(ctx context.Context, simID, service string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	filter := scope(simID, service)
	filter["status"] = string(domain.JobStarted)
	filter["started"] = bson.M{"$lt": l.now().Add(-ttl)}
	return l.reset(ctx, filter)
}

func (l MongoLedger) reset(ctx context.Context, filter bson.M) (int, error) {
	res, err := l.Collection.UpdateMany(ctx, filter, bson.M{
		"$set":   bson.M{"status": string(domain.JobPending)},
		"$unset": bson.M{"error": "", "started": "", "finished": ""},
	})
	if err != nil {
		return 0, fmt.Errorf("reset jobs: %w", err)
	}
	return int(res.MatchedCount), nil
}

func (l MongoLedger) CountJobs(ctx context.Context, simID, service string, status *domain.JobStatus) (int, error) {
	filter := scope(simID, service)
	if status != nil {
		filter["status"] = string(*status)
	}
	n, err := l.Collection.CountDocuments(ctx, filter)
	return int(n), err
}

func (l MongoLedger) CountByStatus(ctx context.Context, simID, service string) (map[domain.JobStatus]int, error) {
	counts := map[domain.JobStatus]int{}
	for _, s := range domain.JobStatuses {
		s := s
		n, err := l.CountJobs(ctx, simID, service, &s)
		if err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, nil
}

func (l MongoLedger) DeleteJobs(ctx context.Context, simID, service string) (int, error) {
	res, err := l.Collection.DeleteMany(ctx, scope(simID, service))
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
