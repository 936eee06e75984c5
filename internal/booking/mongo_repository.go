package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	collUsers        = "users"
	collSlots        = "time_slots"
	collAppointments = "appointments"
	collEvents       = "event_logs"
)

// MongoRepository stores documents with uuid strings as _id. Transactions
// need a replica set or sharded cluster.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{client: client, db: client.Database(database)}
}

type userDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password"`
	Role         string    `bson:"role"`
	Specialty    *string   `bson:"specialty,omitempty"`
	Phone        *string   `bson:"phone,omitempty"`
	Appointments []string  `bson:"appointments"`
	Slots        []string  `bson:"slots"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

type slotDoc struct {
	ID        string    `bson:"_id"`
	DoctorID  string    `bson:"doctorId"`
	StartTime time.Time `bson:"startTime"`
	EndTime   time.Time `bson:"endTime"`
	IsBooked  bool      `bson:"isBooked"`
	CreatedAt time.Time `bson:"createdAt"`
}

type appointmentDoc struct {
	ID         string    `bson:"_id"`
	PatientID  string    `bson:"patientId"`
	DoctorID   string    `bson:"doctorId"`
	NurseID    *string   `bson:"nurseId,omitempty"`
	TimeSlotID string    `bson:"timeSlotId"`
	Priority   string    `bson:"priority"`
	Status     string    `bson:"status"`
	Active     bool      `bson:"active"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

type eventDoc struct {
	EventType     string    `bson:"eventType"`
	AppointmentID *string   `bson:"appointmentId,omitempty"`
	SlotID        *string   `bson:"slotId,omitempty"`
	Payload       string    `bson:"payload"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// Helpers

func (d userDoc) toUser() (*User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse user id %q: %w", d.ID, err)
	}
	u := &User{
		ID:           id,
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Role:         Role(d.Role),
		Specialty:    d.Specialty,
		Phone:        d.Phone,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if u.Appointments, err = parseIDs(d.Appointments); err != nil {
		return nil, err
	}
	if u.Slots, err = parseIDs(d.Slots); err != nil {
		return nil, err
	}
	return u, nil
}

func (d slotDoc) toSlot() (*TimeSlot, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse slot id %q: %w", d.ID, err)
	}
	doctorID, err := uuid.Parse(d.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("parse doctor id %q: %w", d.DoctorID, err)
	}
	return &TimeSlot{
		ID:        id,
		DoctorID:  doctorID,
		StartTime: d.StartTime.UTC(),
		EndTime:   d.EndTime.UTC(),
		IsBooked:  d.IsBooked,
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

func newSlotDoc(s *TimeSlot) slotDoc {
	return slotDoc{
		ID:        s.ID.String(),
		DoctorID:  s.DoctorID.String(),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		IsBooked:  s.IsBooked,
		CreatedAt: s.CreatedAt,
	}
}

func (d appointmentDoc) toAppointment() (*Appointment, error) {
	ids, err := parseIDs([]string{d.ID, d.PatientID, d.DoctorID, d.TimeSlotID})
	if err != nil {
		return nil, err
	}
	a := &Appointment{
		ID:         ids[0],
		PatientID:  ids[1],
		DoctorID:   ids[2],
		TimeSlotID: ids[3],
		Priority:   Priority(d.Priority),
		Status:     AppointmentStatus(d.Status),
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	if d.NurseID != nil {
		nurseID, err := uuid.Parse(*d.NurseID)
		if err != nil {
			return nil, fmt.Errorf("parse nurse id %q: %w", *d.NurseID, err)
		}
		a.NurseID = &nurseID
	}
	return a, nil
}

func newAppointmentDoc(a *Appointment) appointmentDoc {
	d := appointmentDoc{
		ID:         a.ID.String(),
		PatientID:  a.PatientID.String(),
		DoctorID:   a.DoctorID.String(),
		TimeSlotID: a.TimeSlotID.String(),
		Priority:   string(a.Priority),
		Status:     string(a.Status),
		Active:     a.Status != StatusCancelled,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
	if a.NurseID != nil {
		s := a.NurseID.String()
		d.NurseID = &s
	}
	return d
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// mapMongoError marks transaction conflicts and connection failures as
// transient and the active-slot unique index as a double booking.
func mapMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		var we mongo.WriteException
		if errors.As(err, &we) {
			for _, e := range we.WriteErrors {
				if strings.Contains(e.Message, "users_email") {
					return ErrEmailTaken
				}
			}
		}
		return ErrSlotAlreadyBooked
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult") || se.HasErrorCode(112) {
			return Transient(err)
		}
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return err
}

// EnsureIndexes creates the unique and lookup indexes the repository relies on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collUsers: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("users_email")},
			{Keys: bson.D{{Key: "role", Value: 1}}, Options: options.Index().SetName("users_role")},
		},
		collSlots: {
			{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "startTime", Value: 1}}, Options: options.Index().SetName("time_slots_doctor_start")},
		},
		collAppointments: {
			{
				Keys: bson.D{{Key: "timeSlotId", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("appointments_active_slot").
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("appointments_patient")},
			{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("appointments_doctor")},
			{Keys: bson.D{{Key: "nurseId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("appointments_nurse")},
		},
	}

	for coll, models := range indexes {
		if _, err := r.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// Transactions

func (r *MongoRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return Transient(fmt.Errorf("start session: %w", err))
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{db: r.db})
	})
	if err != nil {
		var domainErr *Error
		if errors.As(err, &domainErr) {
			return err
		}
		return mapMongoError(err)
	}
	return nil
}

// Interface methods

func (r *MongoRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return findUser(ctx, r.db, id)
}

func (r *MongoRepository) ListUsersByRole(ctx context.Context, role Role, limit int) ([]User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.db.Collection(collUsers).Find(ctx, bson.M{"role": string(role)}, opts)
	if err != nil {
		return nil, mapMongoError(err)
	}

	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapMongoError(err)
	}

	result := make([]User, 0, len(docs))
	for _, d := range docs {
		u, err := d.toUser()
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	return result, nil
}

func (r *MongoRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return findSlot(ctx, r.db, id)
}

func (r *MongoRepository) ListSlots(ctx context.Context, f SlotFilter) ([]TimeSlot, error) {
	filter := bson.M{"doctorId": f.DoctorID.String()}
	if f.OnlyUnbooked {
		filter["isBooked"] = false
	}

	start := bson.M{}
	if !f.From.IsZero() {
		start["$gte"] = f.From
	}
	if !f.To.IsZero() {
		start["$lt"] = f.To
	}
	if len(start) > 0 {
		filter["startTime"] = start
	}

	return findSlots(ctx, r.db, filter)
}

func (r *MongoRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return findAppointment(ctx, r.db, id)
}

func (r *MongoRepository) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]Appointment, int, error) {
	filter := bson.M{}
	if f.PatientID != nil {
		filter["patientId"] = f.PatientID.String()
	}
	if f.DoctorID != nil {
		filter["doctorId"] = f.DoctorID.String()
	}
	if f.NurseID != nil {
		filter["nurseId"] = f.NurseID.String()
	}

	coll := r.db.Collection(collAppointments)

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, mapMongoError(err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, mapMongoError(err)
	}

	var docs []appointmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, mapMongoError(err)
	}

	result := make([]Appointment, 0, len(docs))
	for _, d := range docs {
		a, err := d.toAppointment()
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *a)
	}
	return result, int(total), nil
}

func (r *MongoRepository) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	raw, err := idsOf(ctx, r.db, collUsers, bson.M{})
	if err != nil {
		return nil, err
	}
	return parseIDs(raw)
}

func idsOf(ctx context.Context, db *mongo.Database, coll string, filter bson.M) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetProjection(bson.M{"_id": 1})

	cur, err := db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError(err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapMongoError(err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func findUser(ctx context.Context, db *mongo.Database, id uuid.UUID) (*User, error) {
	var d userDoc
	err := db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toUser()
}

func findSlot(ctx context.Context, db *mongo.Database, id uuid.UUID) (*TimeSlot, error) {
	var d slotDoc
	err := db.Collection(collSlots).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toSlot()
}

func findSlots(ctx context.Context, db *mongo.Database, filter bson.M) ([]TimeSlot, error) {
	cur, err := db.Collection(collSlots).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "startTime", Value: 1}}))
	if err != nil {
		return nil, mapMongoError(err)
	}

	var docs []slotDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mapMongoError(err)
	}

	result := make([]TimeSlot, 0, len(docs))
	for _, d := range docs {
		s, err := d.toSlot()
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, nil
}

func findAppointment(ctx context.Context, db *mongo.Database, id uuid.UUID) (*Appointment, error) {
	var d appointmentDoc
	err := db.Collection(collAppointments).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toAppointment()
}

// mongoTx runs against the session context handed to fn, so every call
// joins the surrounding transaction.
type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) InsertUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := t.db.Collection(collUsers).InsertOne(ctx, userDoc{
		ID:           u.ID.String(),
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Specialty:    u.Specialty,
		Phone:        u.Phone,
		Appointments: []string{},
		Slots:        []string{},
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	})
	return mapMongoError(err)
}

// LockUser writes to the user document so a concurrent transaction that
// also locks it fails with a write conflict.
func (t *mongoTx) LockUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var d userDoc
	err := t.db.Collection(collUsers).FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"updatedAt": time.Now().UTC()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toUser()
}

func (t *mongoTx) RebuildUserRefs(ctx context.Context, userID uuid.UUID) (bool, error) {
	u, err := findUser(ctx, t.db, userID)
	if err != nil {
		return false, err
	}

	id := userID.String()
	appts, err := idsOf(ctx, t.db, collAppointments, bson.M{"$or": bson.A{
		bson.M{"patientId": id},
		bson.M{"doctorId": id},
	}})
	if err != nil {
		return false, err
	}
	slots, err := idsOf(ctx, t.db, collSlots, bson.M{"doctorId": id})
	if err != nil {
		return false, err
	}

	if sameStrings(idStrings(u.Appointments), appts) && sameStrings(idStrings(u.Slots), slots) {
		return false, nil
	}

	err = t.updateUser(ctx, userID, bson.M{"$set": bson.M{
		"appointments": appts,
		"slots":        slots,
		"updatedAt":    time.Now().UTC(),
	}})
	return err == nil, err
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (t *mongoTx) updateUser(ctx context.Context, id uuid.UUID, update bson.M) error {
	res, err := t.db.Collection(collUsers).UpdateOne(ctx, bson.M{"_id": id.String()}, update)
	if err != nil {
		return mapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *mongoTx) PushUserAppointment(ctx context.Context, userID, appointmentID uuid.UUID) error {
	return t.updateUser(ctx, userID, bson.M{
		"$push": bson.M{"appointments": appointmentID.String()},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
}

func (t *mongoTx) PushUserSlot(ctx context.Context, userID, slotID uuid.UUID) error {
	return t.updateUser(ctx, userID, bson.M{
		"$push": bson.M{"slots": slotID.String()},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
}

func (t *mongoTx) PullUserSlot(ctx context.Context, userID, slotID uuid.UUID) error {
	return t.updateUser(ctx, userID, bson.M{
		"$pull": bson.M{"slots": slotID.String()},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	})
}

func (t *mongoTx) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return findSlot(ctx, t.db, id)
}

func (t *mongoTx) FindOverlappingSlots(ctx context.Context, doctorID uuid.UUID, start, end time.Time) ([]TimeSlot, error) {
	return findSlots(ctx, t.db, bson.M{
		"doctorId":  doctorID.String(),
		"startTime": bson.M{"$lt": end},
		"endTime":   bson.M{"$gt": start},
	})
}

func (t *mongoTx) InsertSlot(ctx context.Context, s *TimeSlot) error {
	_, err := t.db.Collection(collSlots).InsertOne(ctx, newSlotDoc(s))
	return mapMongoError(err)
}

func (t *mongoTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	res, err := t.db.Collection(collSlots).DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return mapMongoError(err)
	}
	if res.DeletedCount == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *mongoTx) MarkSlotBooked(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	var d slotDoc
	err := t.db.Collection(collSlots).FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "isBooked": false},
		bson.M{"$set": bson.M{"isBooked": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := findSlot(ctx, t.db, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrSlotNotAvailable
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toSlot()
}

func (t *mongoTx) ReleaseSlot(ctx context.Context, id uuid.UUID) error {
	res, err := t.db.Collection(collSlots).UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"isBooked": false}},
	)
	if err != nil {
		return mapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *mongoTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.db.Collection(collAppointments).InsertOne(ctx, newAppointmentDoc(a))
	return mapMongoError(err)
}

func (t *mongoTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return findAppointment(ctx, t.db, id)
}

func (t *mongoTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	var d appointmentDoc
	err := t.db.Collection(collAppointments).FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{
			"status":    string(status),
			"active":    status != StatusCancelled,
			"updatedAt": time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return d.toAppointment()
}

func (t *mongoTx) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := t.db.Collection(collEvents).InsertOne(ctx, eventDoc{
		EventType:     ev.EventType,
		AppointmentID: optionalID(ev.AppointmentID),
		SlotID:        optionalID(ev.SlotID),
		Payload:       string(ev.Payload),
		CreatedAt:     createdAt,
	})
	if err != nil {
		return fmt.Errorf("insert event log: %w", mapMongoError(err))
	}
	return nil
}
