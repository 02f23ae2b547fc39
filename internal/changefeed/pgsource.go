package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/smallbiznis/pulse/internal/config"
	"go.uber.org/zap"
)

const outputPlugin = "pgoutput"

var ErrPublicationMissing = errors.New("publication_missing")

// PGDialer opens logical replication sessions against Postgres using the
// pgoutput plugin.
type PGDialer struct {
	connString  string
	slot        string
	publication string
	log         *zap.Logger
}

func NewPGDialer(cfg config.ReplicationConfig, log *zap.Logger) *PGDialer {
	return &PGDialer{
		connString:  replicationConnString(cfg.ConnString),
		slot:        cfg.SlotName,
		publication: cfg.PublicationName,
		log:         log.Named("changefeed.pg"),
	}
}

func replicationConnString(conn string) string {
	conn = strings.TrimSpace(conn)
	if strings.Contains(conn, "replication=") {
		return conn
	}
	if strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://") {
		if strings.Contains(conn, "?") {
			return conn + "&replication=database"
		}
		return conn + "?replication=database"
	}
	return conn + " replication=database"
}

func (d *PGDialer) Dial(ctx context.Context) (Source, error) {
	conn, err := pgconn.Connect(ctx, d.connString)
	if err != nil {
		return nil, fmt.Errorf("connect replication: %w", err)
	}

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("identify system: %w", err)
	}

	if err := d.ensurePublication(ctx, conn); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, d.slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !isDuplicateObject(err) {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("create replication slot %s: %w", d.slot, err)
	}

	d.log.Info("replication connected",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.String("xlog_pos", sys.XLogPos.String()),
		zap.String("slot", d.slot),
	)
	return &pgSource{
		conn:        conn,
		slot:        d.slot,
		publication: d.publication,
		relations:   make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:     pgtype.NewMap(),
	}, nil
}

// ensurePublication fails fast when the configured publication does not
// exist. Migrations only create the default one.
func (d *PGDialer) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	results, err := conn.Exec(ctx, publicationQuery(d.publication)).ReadAll()
	if err != nil {
		return fmt.Errorf("check publication %s: %w", d.publication, err)
	}
	if err := checkPublication(results, d.publication); err != nil {
		d.log.Error("replication publication missing; create it or set REPLICATION_PUBLICATION",
			zap.String("publication", d.publication),
		)
		return err
	}
	return nil
}

// publicationQuery uses a quoted literal since replication connections only
// accept the simple query protocol.
func publicationQuery(name string) string {
	return "SELECT 1 FROM pg_publication WHERE pubname = '" + strings.ReplaceAll(name, "'", "''") + "'"
}

func checkPublication(results []*pgconn.Result, name string) error {
	for _, r := range results {
		if r != nil && len(r.Rows) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPublicationMissing, name)
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42710"
}

type pgSource struct {
	conn        *pgconn.PgConn
	slot        string
	publication string
	relations   map[uint32]*pglogrepl.RelationMessage
	typeMap     *pgtype.Map
	pending     []Event
}

func (s *pgSource) Start(ctx context.Context) error {
	// Start at 0 to resume from the slot's confirmed flush position.
	return pglogrepl.StartReplication(ctx, s.conn, s.slot, 0, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.publication),
		},
	})
}

func (s *pgSource) Next(ctx context.Context) (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		raw, err := s.conn.ReceiveMessage(ctx)
		if err != nil {
			if pgconn.Timeout(err) {
				return Event{}, context.DeadlineExceeded
			}
			return Event{}, err
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return Event{}, pgconn.ErrorResponseToPgError(msg)
		case *pgproto3.CopyData:
			if err := s.decode(msg.Data); err != nil {
				return Event{}, err
			}
		default:
			// Ignore anything else the server sends while streaming.
		}
	}
}

func (s *pgSource) decode(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("parse keepalive: %w", err)
		}
		s.pending = append(s.pending, Event{
			Kind:           EventKeepalive,
			Position:       LSN(ka.ServerWALEnd),
			ReplyRequested: ka.ReplyRequested,
		})
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("parse xlog data: %w", err)
		}
		return s.decodeLogical(xld)
	}
	return nil
}

func (s *pgSource) decodeLogical(xld pglogrepl.XLogData) error {
	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}
	pos := LSN(xld.WALStart)

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[m.RelationID] = m
	case *pglogrepl.BeginMessage:
		s.pending = append(s.pending, Event{Kind: EventBegin, Position: LSN(m.FinalLSN)})
	case *pglogrepl.CommitMessage:
		s.pending = append(s.pending, Event{Kind: EventCommit, Position: LSN(m.TransactionEndLSN)})
	case *pglogrepl.InsertMessage:
		return s.appendRow(RowInsert, m.RelationID, m.Tuple, pos)
	case *pglogrepl.UpdateMessage:
		return s.appendRow(RowUpdate, m.RelationID, m.NewTuple, pos)
	}
	return nil
}

func (s *pgSource) appendRow(kind RowKind, relationID uint32, tuple *pglogrepl.TupleData, pos LSN) error {
	rel, ok := s.relations[relationID]
	if !ok {
		return fmt.Errorf("unknown relation id %d", relationID)
	}
	if tuple == nil {
		return nil
	}

	columns := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			break
		}
		meta := rel.Columns[idx]
		switch col.DataType {
		case 'n':
			columns[meta.Name] = nil
		case 'u':
			// Unchanged TOAST value; not sent.
		case 't':
			value, err := s.decodeText(col.Data, meta.DataType)
			if err != nil {
				return fmt.Errorf("decode column %s: %w", meta.Name, err)
			}
			columns[meta.Name] = value
		}
	}

	s.pending = append(s.pending, Event{
		Kind:     EventRow,
		Relation: rel.RelationName,
		RowKind:  kind,
		Columns:  columns,
		Position: pos,
	})
	return nil
}

func (s *pgSource) decodeText(data []byte, oid uint32) (any, error) {
	// Keep JSON as text so object key order survives.
	if oid == pgtype.JSONOID || oid == pgtype.JSONBOID {
		return string(data), nil
	}
	if dt, ok := s.typeMap.TypeForOID(oid); ok {
		return dt.Codec.DecodeValue(s.typeMap, oid, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

func (s *pgSource) SendStatus(ctx context.Context, cursor Cursor) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pglogrepl.LSN(cursor.Received),
		WALFlushPosition: pglogrepl.LSN(cursor.Flushed),
		WALApplyPosition: pglogrepl.LSN(cursor.Applied),
		ClientTime:       time.Now(),
	})
}

func (s *pgSource) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
