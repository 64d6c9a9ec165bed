package mtask

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore keeps each task as a single document, which is what makes the
// version-guarded ReplaceOne atomic.
type MongoStore struct {
	client        *mongo.Client
	tasks         *mongo.Collection
	users         *mongo.Collection
	notifications *mongo.Collection
	log           zerolog.Logger
}

func NewMongoStore(ctx context.Context, uri, database string, log zerolog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		tasks:         db.Collection("tasks"),
		users:         db.Collection("users"),
		notifications: db.Collection("notifications"),
		log:           log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("database", database).Msg("mongo store ready")
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	// older deployments carry a unique email index that also covers empty emails
	if _, err := s.users.Indexes().DropOne(ctx, "email_1"); err != nil {
		s.log.Debug().Err(err).Msg("legacy email index not dropped")
	}
	if _, err := s.users.Indexes().CreateMany(ctx, userIndexModels()); err != nil {
		return fmt.Errorf("user indexes: %w", err)
	}
	if _, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdBy", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "collaborators.userId", Value: 1}}},
		{Keys: bson.D{{Key: "dueDate", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("task indexes: %w", err)
	}
	if _, err := s.notifications.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	}); err != nil {
		return fmt.Errorf("notification indexes: %w", err)
	}
	return nil
}

// userIndexModels keeps usernames unique and non-empty emails unique.
// Emails are stored lowercased.
func userIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().
				SetName("email_nonempty_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"email": bson.M{"$gt": ""}}),
		},
	}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Error().Err(err).Msg("mongo disconnect")
	}
}

func (s *MongoStore) FindTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// taskFilterDoc translates f into a query document.
func taskFilterDoc(f TaskFilter) bson.M {
	doc := bson.M{}
	var and []bson.M

	if f.MemberID != "" {
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"createdBy": f.MemberID},
			bson.M{"collaborators.userId": f.MemberID},
		}})
	}
	if f.EmailPending {
		match := bson.M{"emailStatus": bson.M{"$in": bson.A{EmailPending, EmailFailed}}}
		if f.MaxEmailAttempts > 0 {
			match["emailAttempts"] = bson.M{"$lt": f.MaxEmailAttempts}
		}
		and = append(and, bson.M{"collaborators": bson.M{"$elemMatch": match}})
	}
	if !f.DueBefore.IsZero() {
		due := bson.M{"$lt": f.DueBefore}
		if !f.DueAfter.IsZero() {
			due["$gte"] = f.DueAfter
		}
		and = append(and, bson.M{
			"status":       bson.M{"$ne": StatusCompleted},
			"reminderSent": bson.M{"$ne": true},
			"dueDate":      due,
		})
	}

	switch len(and) {
	case 0:
	case 1:
		doc = and[0]
	default:
		doc["$and"] = and
	}
	return doc
}

func (s *MongoStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int64, error) {
	filter := taskFilterDoc(f)

	total, err := s.tasks.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(max(f.Skip, 0)))
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []*Task
	for cur.Next(ctx) {
		var t Task
		if err := cur.Decode(&t); err != nil {
			return nil, 0, err
		}
		out = append(out, &t)
	}
	return out, total, cur.Err()
}

func (s *MongoStore) SaveTask(ctx context.Context, t *Task) error {
	if t.Version == 0 {
		doc := t.Clone()
		doc.Version = 1
		if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrDuplicate
			}
			return err
		}
		t.Version = 1
		return nil
	}

	doc := t.Clone()
	doc.Version = t.Version + 1
	res, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": t.ID, "version": t.Version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNoDocument
	}
	return nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var u User
	err := s.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *MongoStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, bson.M{"username": username})
}

func (s *MongoStore) FindUsersByIDs(ctx context.Context, ids []string) (map[string]*User, error) {
	out := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var u User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		out[u.ID] = &u
	}
	return out, cur.Err()
}

func userSearchDoc(query, excludeID string) bson.M {
	return bson.M{
		"username": bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
		"_id":      bson.M{"$ne": excludeID},
	}
}

func (s *MongoStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.users.Find(ctx, userSearchDoc(query, excludeID), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*User
	for cur.Next(ctx) {
		var u User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.notifications.InsertOne(ctx, n)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.notifications.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Notification
	for cur.Next(ctx) {
		var n Notification
		if err := cur.Decode(&n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, cur.Err()
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "userId": userID},
		bson.M{"$set": bson.M{"isRead": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoDocument
	}
	return nil
}
