// Package store archives order lifecycle events and position snapshots to
// postgres. Writes happen off the event bus, never on the order hot path.
package store

import (
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/ledger"
	"main/internal/schema"
	"main/pkg/conn"
)

// OrderEvent is one immutable lifecycle transition. Terminal outcomes are
// stored as a final row whose payload carries the full outcome record.
type OrderEvent struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	IntentID  string `gorm:"index"`
	Attempt   int
	FromState string
	ToState   string `gorm:"index"`
	Reason    string
	Ts        int64 `gorm:"index"`
	Payload   []byte
}

// PositionSnapshot is a point-in-time copy of one position.
type PositionSnapshot struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID     uint32 `gorm:"index:idx_position_key"`
	InstrumentID  uint32 `gorm:"index:idx_position_key"`
	Qty           int64
	AvgEntryPrice int64
	Ts            int64 `gorm:"index"`
}

// Archiver receives bus events and position snapshots. The paper runner uses
// the no-op implementation.
type Archiver interface {
	Handle(e bus.Event)
	SnapshotPositions(acct schema.AccountID, positions []ledger.Position, ts int64) error
}

// Archive persists through gorm.
type Archive struct {
	db *gorm.DB
}

// New migrates the archive tables and returns a store bound to the client.
func New(client *conn.Client) (*Archive, error) {
	db := client.DB()
	if db == nil {
		return nil, errors.New("store: nil database")
	}
	if err := db.AutoMigrate(&OrderEvent{}, &PositionSnapshot{}); err != nil {
		return nil, errors.Wrap(err, "migrate archive tables")
	}
	return &Archive{db: db}, nil
}

// Handle archives transition and outcome events from the bus.
func (a *Archive) Handle(e bus.Event) {
	var row OrderEvent
	var err error
	switch e.Header.Type {
	case schema.EventOrderTransition:
		row, err = transitionRow(e.Payload)
	case schema.EventOrderOutcome:
		row, err = outcomeRow(e.Payload)
	default:
		return
	}
	if err != nil {
		logs.Errorf("decode archive event, err: %+v", err)
		return
	}
	if err := a.db.Create(&row).Error; err != nil {
		logs.Errorf("archive order event, err: %+v", err)
	}
}

// SnapshotPositions appends one row per open position.
func (a *Archive) SnapshotPositions(acct schema.AccountID, positions []ledger.Position, ts int64) error {
	if len(positions) == 0 {
		return nil
	}
	rows := make([]PositionSnapshot, 0, len(positions))
	for _, pos := range positions {
		rows = append(rows, PositionSnapshot{
			AccountID:     uint32(acct),
			InstrumentID:  uint32(pos.InstrumentID),
			Qty:           int64(pos.Qty),
			AvgEntryPrice: int64(pos.AvgEntryPrice),
			Ts:            ts,
		})
	}
	if err := a.db.Create(&rows).Error; err != nil {
		return errors.Wrap(err, "snapshot positions")
	}
	return nil
}

// EventsByIntent returns the transition history of one intent in order.
func (a *Archive) EventsByIntent(id schema.IntentID) ([]OrderEvent, error) {
	var out []OrderEvent
	if err := a.db.Where("intent_id = ?", string(id)).Order("ts asc").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "query events by intent")
	}
	return out, nil
}

// TerminalEventsSince returns final-state rows newer than ts.
func (a *Archive) TerminalEventsSince(ts int64) ([]OrderEvent, error) {
	var out []OrderEvent
	err := a.db.
		Where("ts > ? AND to_state IN ?", ts, []string{
			schema.OrderStateSettled.String(),
			schema.OrderStateFailed.String(),
		}).
		Order("ts asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query terminal events")
	}
	return out, nil
}

// LatestPositions returns the most recent snapshot rows for an account.
func (a *Archive) LatestPositions(acct schema.AccountID) ([]PositionSnapshot, error) {
	var latest int64
	err := a.db.Model(&PositionSnapshot{}).
		Where("account_id = ?", uint32(acct)).
		Select("COALESCE(MAX(ts), 0)").
		Scan(&latest).Error
	if err != nil {
		return nil, errors.Wrap(err, "query latest snapshot ts")
	}
	if latest == 0 {
		return nil, nil
	}

	var out []PositionSnapshot
	err = a.db.
		Where("account_id = ? AND ts = ?", uint32(acct), latest).
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "query latest positions")
	}
	return out, nil
}

func transitionRow(payload []byte) (OrderEvent, error) {
	ev, err := codec.DecodeTransition(payload)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		IntentID:  string(ev.IntentID),
		Attempt:   ev.Attempt,
		FromState: ev.From.String(),
		ToState:   ev.To.String(),
		Reason:    ev.Reason,
		Ts:        ev.Ts,
		Payload:   payload,
	}, nil
}

func outcomeRow(payload []byte) (OrderEvent, error) {
	out, err := codec.DecodeOutcome(payload)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		IntentID:  string(out.IntentID),
		Attempt:   out.Attempts,
		FromState: out.Final.String(),
		ToState:   out.Final.String(),
		Reason:    out.Reason,
		Ts:        out.CompletedAt,
		Payload:   payload,
	}, nil
}

// Noop discards everything; used by paper runs without postgres.
type Noop struct{}

func (Noop) Handle(bus.Event) {}

func (Noop) SnapshotPositions(schema.AccountID, []ledger.Position, int64) error {
	return nil
}
