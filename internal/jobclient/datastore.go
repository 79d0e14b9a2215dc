package jobclient

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"deployplane/internal/store"
	"deployplane/internal/wire"
)

// DataStore implements store.Store over the broker's data namespace. A
// dropped connection is redialed on the next operation.
type DataStore struct {
	dial func(ctx context.Context) (*wire.Conn, error)

	mu     sync.Mutex
	conn   *wire.Conn
	closed bool
}

var _ store.Store = (*DataStore)(nil)

func DialDataStore(ctx context.Context, addr string, tlsConfig *tls.Config, keepalive time.Duration, logger *slog.Logger) (*DataStore, error) {
	d := &DataStore{
		dial: func(ctx context.Context) (*wire.Conn, error) {
			return wire.Dial(ctx, addr, tlsConfig, wire.NamespaceData, nil,
				wire.WithKeepalive(keepalive), wire.WithLogger(logger))
		},
	}
	if _, err := d.connection(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DataStore) connection(ctx context.Context) (*wire.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, wire.ErrClosed
	}
	if d.conn != nil {
		select {
		case <-d.conn.Done():
		default:
			return d.conn, nil
		}
	}
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

func (d *DataStore) call(ctx context.Context, op store.Op, out any) error {
	conn, err := d.connection(ctx)
	if err != nil {
		return err
	}
	err = conn.Call(ctx, wire.EventOp, op, out)
	var detail *wire.ErrorDetail
	if errors.As(err, &detail) {
		switch detail.Code {
		case wire.ErrCodeNotFound:
			return store.ErrNotFound
		case wire.ErrCodeValidation:
			if detail.Message == store.ErrMissingID.Error() {
				return store.ErrMissingID
			}
		}
	}
	return err
}

func (d *DataStore) Get(ctx context.Context, table, id string) (store.Document, error) {
	var doc store.Document
	err := d.call(ctx, store.Op{Table: table, Operation: store.OperationGet, Arguments: store.OpArgs{ID: id}}, &doc)
	return doc, err
}

func (d *DataStore) Insert(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	var out store.Document
	err := d.call(ctx, store.Op{Table: table, Operation: store.OperationInsert, Arguments: store.OpArgs{Doc: doc}}, &out)
	return out, err
}

func (d *DataStore) Update(ctx context.Context, table string, doc store.Document) (store.Document, error) {
	var out store.Document
	err := d.call(ctx, store.Op{Table: table, Operation: store.OperationUpdate, Arguments: store.OpArgs{Doc: doc}}, &out)
	return out, err
}

func (d *DataStore) Delete(ctx context.Context, table, id string) error {
	return d.call(ctx, store.Op{Table: table, Operation: store.OperationDelete, Arguments: store.OpArgs{ID: id}}, nil)
}

func (d *DataStore) Find(ctx context.Context, table string, q store.Query, mods ...store.Modifier) ([]store.Document, error) {
	m := store.BuildModifiers(mods...)
	var docs []store.Document
	err := d.call(ctx, store.Op{Table: table, Operation: store.OperationFind, Arguments: store.OpArgs{Query: q, Modifiers: &m}}, &docs)
	return docs, err
}

// Ping checks the link by running a bounded find.
func (d *DataStore) Ping(ctx context.Context) error {
	_, err := d.Find(ctx, store.TableDeployments, store.Query{"id": "__ping__"}, store.Limit(1))
	return err
}

func (d *DataStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
