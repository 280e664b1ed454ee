package records

import (
	"context"
	"time"

	"go.uber.org/zap"

	"schoolpass/internal/events"
)

// Publisher is the send side of a change bus.
type Publisher interface {
	Publish(ctx context.Context, c events.Change) error
}

type notifying struct {
	Store
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

// WithNotifications wraps s so every successful write publishes a change.
// Publish failures are logged and never fail the write.
func WithNotifications(s Store, pub Publisher, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &notifying{Store: s, pub: pub, logger: logger, now: time.Now}
}

func (n *notifying) notify(ctx context.Context, collection, id string, err error) error {
	if err != nil {
		return err
	}
	c := events.Change{Collection: collection, ID: id, At: n.now().UTC()}
	if perr := n.pub.Publish(ctx, c); perr != nil {
		n.logger.Warn("change notification failed",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(perr),
		)
	}
	return nil
}

func (n *notifying) CreateStudent(ctx context.Context, st Student) error {
	return n.notify(ctx, CollectionStudents, st.ID, n.Store.CreateStudent(ctx, st))
}

func (n *notifying) UpdateStudent(ctx context.Context, st Student) error {
	return n.notify(ctx, CollectionStudents, st.ID, n.Store.UpdateStudent(ctx, st))
}

func (n *notifying) ReplaceStudentID(ctx context.Context, oldID, newID string) error {
	return n.notify(ctx, CollectionStudents, newID, n.Store.ReplaceStudentID(ctx, oldID, newID))
}

func (n *notifying) DeleteStudent(ctx context.Context, id string) error {
	return n.notify(ctx, CollectionStudents, id, n.Store.DeleteStudent(ctx, id))
}

func (n *notifying) RecordAdmission(ctx context.Context, studentID string, kind ResourceKind, at time.Time) error {
	return n.notify(ctx, CollectionStudents, studentID, n.Store.RecordAdmission(ctx, studentID, kind, at))
}

func (n *notifying) CreateUser(ctx context.Context, u User) error {
	return n.notify(ctx, CollectionUsers, u.ID, n.Store.CreateUser(ctx, u))
}

func (n *notifying) DeleteUser(ctx context.Context, id string) error {
	return n.notify(ctx, CollectionUsers, id, n.Store.DeleteUser(ctx, id))
}

func (n *notifying) PutSettings(ctx context.Context, s Settings) error {
	return n.notify(ctx, CollectionSettings, "", n.Store.PutSettings(ctx, s))
}

func (n *notifying) AppendScanLog(ctx context.Context, entry ScanLog) error {
	return n.notify(ctx, CollectionScanLogs, entry.ID, n.Store.AppendScanLog(ctx, entry))
}
