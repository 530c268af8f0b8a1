// Package mongo implements the audit log interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fanengagement/chainadp/lib/store"
)

const (
	database   = "audit"
	collection = "events"
	dupKeyCode = 11000
)

// Mongo implements store.AuditLog on a MongoDB collection.
type Mongo struct {
	c   *mgo.Client
	col *mgo.Collection
}

// New returns a Mongo client connection to the specified MongoDB database uri and ensures the (orgId, seq) unique
// index.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	col := c.Database(database).Collection(collection)

	_, err = col.Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys:    bson.D{{Key: "orgId", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("org_seq"),
	})
	if err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("cannot create audit index: %w", err)
	}

	return &Mongo{c: c, col: col}, nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

func isDuplicate(err error) bool {
	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == dupKeyCode {
				return true
			}
		}
	}

	return false
}

// AppendAudit inserts an audit event. A duplicated (organization, seq) fails with store.ErrConflict.
func (m *Mongo) AppendAudit(ctx context.Context, e store.AuditEvent) error {
	e.Timestamp = e.Timestamp.UTC()

	_, err := m.col.InsertOne(ctx, e)
	if isDuplicate(err) {
		return fmt.Errorf("%w: audit seq %d of %q", store.ErrConflict, e.Seq, e.OrgID)
	}

	return err
}

// LastAudit returns the latest audit event of an organization.
func (m *Mongo) LastAudit(ctx context.Context, orgID string) (e store.AuditEvent, err error) {
	sr := m.col.FindOne(ctx, bson.M{"orgId": orgID}, options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}))
	if err = sr.Decode(&e); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// filter builds the mongo query of an audit filter.
func filter(f store.AuditFilter) bson.M {
	q := bson.M{"orgId": f.OrgID, "seq": bson.M{"$gt": f.AfterSeq}}

	for k, v := range map[string]string{
		"actor": f.Actor, "action": f.Action, "resourceType": f.ResourceType, "resourceId": f.ResourceID,
	} {
		if v != "" {
			q[k] = v
		}
	}

	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = f.From.UTC()
	}

	if !f.To.IsZero() {
		ts["$lt"] = f.To.UTC()
	}

	if len(ts) > 0 {
		q["timestamp"] = ts
	}

	return q
}

// QueryAudit returns audit events matching f in seq order.
func (m *Mongo) QueryAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cur, err := m.col.Find(ctx, filter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("error querying audit events: %w", err)
	}
	defer cur.Close(ctx)

	var es []store.AuditEvent

	for cur.Next(ctx) {
		var e store.AuditEvent
		if err = cur.Decode(&e); err != nil {
			return nil, err
		}

		es = append(es, e)
	}

	return es, cur.Err()
}
