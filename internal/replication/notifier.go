package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
)

// DefaultSubject is the NATS subject batch announcements are published on.
const DefaultSubject = "substrate.batches"

// BatchAnnouncement is the message published for every written batch.
type BatchAnnouncement struct {
	Node      string    `json:"node"`
	BatchID   string    `json:"batch_id"`
	Outbox    string    `json:"outbox"`
	CreatedAt time.Time `json:"created_at"`
}

// NATSNotifier publishes batch announcements and wakes the local
// coordinator when another node announces one. The batch itself still
// travels through the shared filesystem.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	node    string
	outbox  string
	now     func() time.Time
	logger  *logging.Logger

	sub *nats.Subscription
}

// NATSOptions configures NewNATSNotifier.
type NATSOptions struct {
	Subject string
	// Node identifies this process so its own announcements are ignored.
	Node   string
	Outbox string
	Now    func() time.Time
	Logger *logging.Logger
}

// NewNATSNotifier wraps an established connection.
func NewNATSNotifier(nc *nats.Conn, opts NATSOptions) (*NATSNotifier, error) {
	if nc == nil {
		return nil, errors.New("nats notifier requires a connection")
	}
	if opts.Node == "" {
		return nil, errors.New("nats notifier requires a node name")
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &NATSNotifier{
		conn:    nc,
		subject: opts.Subject,
		node:    opts.Node,
		outbox:  opts.Outbox,
		now:     opts.Now,
		logger:  opts.Logger.Named("nats"),
	}, nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NotifyBatch publishes an announcement for batchID.
func (n *NATSNotifier) NotifyBatch(ctx context.Context, batchID string) error {
	data, err := json.Marshal(BatchAnnouncement{
		Node:      n.node,
		BatchID:   batchID,
		Outbox:    n.outbox,
		CreatedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding batch announcement: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publishing batch announcement: %w", err)
	}
	n.logger.Debug(logging.WithBatchID(ctx, batchID), "batch announced", zap.String("subject", n.subject))
	return nil
}

// Subscribe calls onRemote for every announcement from another node.
func (n *NATSNotifier) Subscribe(onRemote func(BatchAnnouncement)) error {
	if n.sub != nil {
		return errors.New("already subscribed")
	}
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		var a BatchAnnouncement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			n.logger.Warn(context.Background(), "ignoring malformed batch announcement", zap.Error(err))
			return
		}
		if a.Node == n.node {
			return
		}
		onRemote(a)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.subject, err)
	}
	n.sub = sub
	return nil
}

// Close unsubscribes. The connection is owned by the caller.
func (n *NATSNotifier) Close() error {
	if n.sub == nil {
		return nil
	}
	err := n.sub.Unsubscribe()
	n.sub = nil
	return err
}
