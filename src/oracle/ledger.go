package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const ledgerSchema = `CREATE TABLE IF NOT EXISTS subnet_nodes (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	subnet_id        INTEGER NOT NULL,
	subnet_node_id   INTEGER NOT NULL,
	peer_id          TEXT NOT NULL UNIQUE,
	bootnode_peer_id TEXT NOT NULL DEFAULT '',
	hotkey           TEXT NOT NULL DEFAULT '',
	coldkey          TEXT NOT NULL DEFAULT '',
	stake_balance    INTEGER NOT NULL DEFAULT 0,
	UNIQUE (subnet_id, subnet_node_id)
)`

// LedgerOracle answers stake queries from a local ledger database. It stands
// in for the ledger node on local networks: operators register nodes with
// "stakenet ledger register" and every node of the network points its
// ledger-db at the same file. A node is staked when its stake balance is
// positive.
type LedgerOracle struct {
	db     *sql.DB
	path   string
	logger *logrus.Entry
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string, logger *logrus.Entry) (*LedgerOracle, error) {
	if logger == nil {
		logger = nopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	logger.WithField("path", path).Debug("Opened ledger")

	return &LedgerOracle{
		db:     db,
		path:   path,
		logger: logger,
	}, nil
}

// Register inserts or replaces the registration of a node.
func (l *LedgerOracle) Register(ctx context.Context, rec LedgerRecord) error {
	if rec.PeerID == "" {
		return errors.New("peer id is required")
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO subnet_nodes
		(subnet_id, subnet_node_id, peer_id, bootnode_peer_id, hotkey, coldkey, stake_balance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			subnet_id = excluded.subnet_id,
			subnet_node_id = excluded.subnet_node_id,
			bootnode_peer_id = excluded.bootnode_peer_id,
			hotkey = excluded.hotkey,
			coldkey = excluded.coldkey,
			stake_balance = excluded.stake_balance`,
		rec.SubnetID, rec.SubnetNodeID, rec.PeerID, rec.BootnodePeerID,
		rec.Hotkey, rec.Coldkey, int64(rec.StakeBalance))
	return err
}

// Unregister removes the registration of a node. It reports whether a node
// was removed.
func (l *LedgerOracle) Unregister(ctx context.Context, peerID string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM subnet_nodes WHERE peer_id = ?`, peerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns the nodes registered in a subnet, ordered by subnet node ID.
func (l *LedgerOracle) List(ctx context.Context, subnetID uint64) ([]LedgerRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT subnet_id, subnet_node_id, peer_id,
		bootnode_peer_id, hotkey, coldkey, stake_balance
		FROM subnet_nodes WHERE subnet_id = ? ORDER BY subnet_node_id`, subnetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []LedgerRecord{}
	for rows.Next() {
		rec, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// NextSubnetNodeID returns one more than the highest subnet node ID in use.
func (l *LedgerOracle) NextSubnetNodeID(ctx context.Context, subnetID uint64) (uint64, error) {
	var highest sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(subnet_node_id) FROM subnet_nodes WHERE subnet_id = ?`, subnetID).Scan(&highest)
	if err != nil {
		return 0, err
	}
	if !highest.Valid {
		return 1, nil
	}
	return uint64(highest.Int64) + 1, nil
}

// PeerRecord implements the Oracle interface.
func (l *LedgerOracle) PeerRecord(ctx context.Context, peerID string) (*LedgerRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT subnet_id, subnet_node_id, peer_id,
		bootnode_peer_id, hotkey, coldkey, stake_balance
		FROM subnet_nodes WHERE peer_id = ?`, peerID)

	rec, err := scanLedgerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return rec, nil
}

// QueryStake implements the Oracle interface.
func (l *LedgerOracle) QueryStake(ctx context.Context, peerID, subnetID string) (StakeInfo, error) {
	rec, err := l.PeerRecord(ctx, peerID)
	if err != nil {
		return StakeInfo{}, err
	}

	sid, ok := parseSubnetID(subnetID)
	if rec == nil || !ok || rec.SubnetID != sid {
		return StakeInfo{}, nil
	}

	return StakeInfo{
		Registered:  true,
		Staked:      rec.StakeBalance > 0,
		StakeAmount: rec.StakeBalance,
	}, nil
}

// Path returns the location of the database file.
func (l *LedgerOracle) Path() string {
	return l.path
}

// Close implements the Oracle interface.
func (l *LedgerOracle) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerRecord(row rowScanner) (*LedgerRecord, error) {
	var (
		rec   LedgerRecord
		stake int64
	)
	err := row.Scan(&rec.SubnetID, &rec.SubnetNodeID, &rec.PeerID,
		&rec.BootnodePeerID, &rec.Hotkey, &rec.Coldkey, &stake)
	if err != nil {
		return nil, err
	}
	if stake > 0 {
		rec.StakeBalance = uint64(stake)
	}
	return &rec, nil
}
