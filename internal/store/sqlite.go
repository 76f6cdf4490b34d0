package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/infinibay/infinization/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS vms (
    id                TEXT PRIMARY KEY,
    display_name      TEXT NOT NULL,
    internal_name     TEXT NOT NULL,
    os                TEXT NOT NULL,
    cpu_cores         INTEGER NOT NULL,
    ram_gb            REAL NOT NULL,
    disks             TEXT NOT NULL,
    bridge            TEXT NOT NULL,
    display_type      TEXT NOT NULL,
    display_port      INTEGER NOT NULL,
    display_address   TEXT,
    display_password  TEXT,
    passthrough       TEXT,
    machine_type      TEXT,
    cpu_model         TEXT,
    disk_bus          TEXT,
    cache_mode        TEXT,
    network_model     TEXT,
    queue_count       INTEGER,
    mem_balloon       INTEGER,
    firmware          TEXT,
    hugepages         INTEGER,
    cpu_pin_cores     TEXT,
    mac_override      TEXT,
    unattended        TEXT,
    status            TEXT NOT NULL,
    runtime           TEXT,
    version           INTEGER NOT NULL,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS firewall_rules (
    vm_id       TEXT NOT NULL,
    rule_id     TEXT NOT NULL,
    payload     TEXT NOT NULL,
    priority    INTEGER NOT NULL,
    PRIMARY KEY (vm_id, rule_id)
);

CREATE TABLE IF NOT EXISTS cleanup_runs (
    vm_id       TEXT NOT NULL,
    started_at  DATETIME NOT NULL,
    ended_at    DATETIME NOT NULL,
    payload     TEXT NOT NULL
);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite (modernc.org/sqlite, pure Go,
// no cgo) with WAL journaling and a busy timeout so concurrent
// orchestrator/health-monitor writers don't spuriously fail (§6).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type vmRow struct {
	Disks         sql.NullString
	Passthrough   sql.NullString
	CPUPinCores   sql.NullString
	Unattended    sql.NullString
	Runtime       sql.NullString
	QueueCount    sql.NullInt64
	MemBalloon    sql.NullInt64
	Hugepages     sql.NullInt64
	MachineType   sql.NullString
	CPUModel      sql.NullString
	DiskBus       sql.NullString
	CacheMode     sql.NullString
	NetworkModel  sql.NullString
	MACOverride   sql.NullString
	Firmware      sql.NullString
	DisplayAddr   sql.NullString
	DisplayPasswd sql.NullString
}

func scanVM(scan func(dest ...any) error) (*model.VM, error) {
	vm := &model.VM{}
	var r vmRow
	if err := scan(
		&vm.ID, &vm.DisplayName, &vm.InternalName, &vm.OS, &vm.CPUCores, &vm.RAMGB,
		&r.Disks, &vm.Bridge, &vm.DisplayType, &vm.DisplayPort, &r.DisplayAddr, &r.DisplayPasswd,
		&r.Passthrough, &r.MachineType, &r.CPUModel, &r.DiskBus, &r.CacheMode, &r.NetworkModel,
		&r.QueueCount, &r.MemBalloon, &r.Firmware, &r.Hugepages, &r.CPUPinCores, &r.MACOverride,
		&r.Unattended, &vm.Status, &r.Runtime, &vm.Version, &vm.CreatedAt, &vm.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if r.Disks.Valid {
		if err := json.Unmarshal([]byte(r.Disks.String), &vm.Disks); err != nil {
			return nil, fmt.Errorf("unmarshal disks: %w", err)
		}
	}
	if r.Passthrough.Valid {
		if err := json.Unmarshal([]byte(r.Passthrough.String), &vm.Passthrough); err != nil {
			return nil, fmt.Errorf("unmarshal passthrough: %w", err)
		}
	}
	if r.CPUPinCores.Valid {
		if err := json.Unmarshal([]byte(r.CPUPinCores.String), &vm.CPUPinCores); err != nil {
			return nil, fmt.Errorf("unmarshal cpu pin cores: %w", err)
		}
	}
	if r.Unattended.Valid {
		var u model.UnattendedInstall
		if err := json.Unmarshal([]byte(r.Unattended.String), &u); err != nil {
			return nil, fmt.Errorf("unmarshal unattended install: %w", err)
		}
		vm.Unattended = &u
	}
	if r.Runtime.Valid {
		var rc model.RuntimeConfig
		if err := json.Unmarshal([]byte(r.Runtime.String), &rc); err != nil {
			return nil, fmt.Errorf("unmarshal runtime config: %w", err)
		}
		vm.Runtime = &rc
	}

	vm.DisplayAddress = r.DisplayAddr.String
	vm.DisplayPassword = r.DisplayPasswd.String
	vm.MachineType = r.MachineType.String
	vm.CPUModel = r.CPUModel.String
	vm.DiskBus = r.DiskBus.String
	vm.Cache = r.CacheMode.String
	vm.NetworkModel = r.NetworkModel.String
	vm.Firmware = r.Firmware.String
	vm.MACOverride = r.MACOverride.String
	if r.QueueCount.Valid {
		n := int(r.QueueCount.Int64)
		vm.QueueCount = &n
	}
	if r.MemBalloon.Valid {
		b := r.MemBalloon.Int64 != 0
		vm.MemBalloon = &b
	}
	if r.Hugepages.Valid {
		b := r.Hugepages.Int64 != 0
		vm.Hugepages = &b
	}

	return vm, nil
}

const selectVMColumns = `id, display_name, internal_name, os, cpu_cores, ram_gb,
	disks, bridge, display_type, display_port, display_address, display_password,
	passthrough, machine_type, cpu_model, disk_bus, cache_mode, network_model,
	queue_count, mem_balloon, firmware, hugepages, cpu_pin_cores, mac_override,
	unattended, status, runtime, version, created_at, updated_at`

// FindMachineWithConfig loads a VM record with its full effective runtime config.
func (s *SQLiteStore) FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectVMColumns+" FROM vms WHERE id = ?", id)
	vm, err := scanVM(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find machine: %w", err)
	}
	return vm, nil
}

// CreateVM inserts a new VM record.
func (s *SQLiteStore) CreateVM(ctx context.Context, vm *model.VM) error {
	disks, err := json.Marshal(vm.Disks)
	if err != nil {
		return fmt.Errorf("marshal disks: %w", err)
	}
	passthrough, err := json.Marshal(vm.Passthrough)
	if err != nil {
		return fmt.Errorf("marshal passthrough: %w", err)
	}
	pinCores, err := json.Marshal(vm.CPUPinCores)
	if err != nil {
		return fmt.Errorf("marshal cpu pin cores: %w", err)
	}
	var unattended, runtime any
	if vm.Unattended != nil {
		b, err := json.Marshal(vm.Unattended)
		if err != nil {
			return fmt.Errorf("marshal unattended install: %w", err)
		}
		unattended = string(b)
	}
	if vm.Runtime != nil {
		b, err := json.Marshal(vm.Runtime)
		if err != nil {
			return fmt.Errorf("marshal runtime config: %w", err)
		}
		runtime = string(b)
	}

	now := time.Now().UTC()
	vm.CreatedAt, vm.UpdatedAt = now, now
	if vm.Version == 0 {
		vm.Version = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vms (
			id, display_name, internal_name, os, cpu_cores, ram_gb,
			disks, bridge, display_type, display_port, display_address, display_password,
			passthrough, machine_type, cpu_model, disk_bus, cache_mode, network_model,
			queue_count, mem_balloon, firmware, hugepages, cpu_pin_cores, mac_override,
			unattended, status, runtime, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vm.ID, vm.DisplayName, vm.InternalName, vm.OS, vm.CPUCores, vm.RAMGB,
		string(disks), vm.Bridge, vm.DisplayType, vm.DisplayPort, vm.DisplayAddress, vm.DisplayPassword,
		string(passthrough), vm.MachineType, vm.CPUModel, vm.DiskBus, vm.Cache, vm.NetworkModel,
		nullableInt(vm.QueueCount), nullableBool(vm.MemBalloon), vm.Firmware, nullableBool(vm.Hugepages),
		string(pinCores), vm.MACOverride, unattended, vm.Status, runtime, vm.Version,
		vm.CreatedAt, vm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

// UpdateMachineConfiguration applies a partial update to a VM's effective
// runtime configuration (disk paths, CPU pin selection, MAC override, etc).
func (s *SQLiteStore) UpdateMachineConfiguration(ctx context.Context, id string, patch ConfigPatch) error {
	var runtime, pinCores, mac any
	if patch.RuntimeConfig != nil {
		b, err := json.Marshal(patch.RuntimeConfig)
		if err != nil {
			return fmt.Errorf("marshal runtime config: %w", err)
		}
		runtime = string(b)
	}
	if patch.CPUPinCores != nil {
		b, err := json.Marshal(patch.CPUPinCores)
		if err != nil {
			return fmt.Errorf("marshal cpu pin cores: %w", err)
		}
		pinCores = string(b)
	}
	if patch.MACOverride != "" {
		mac = patch.MACOverride
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE vms SET runtime = COALESCE(?, runtime), cpu_pin_cores = COALESCE(?, cpu_pin_cores),
			mac_override = COALESCE(?, mac_override), updated_at = ? WHERE id = ?`,
		runtime, pinCores, mac, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update machine configuration: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateMachineStatus sets status unconditionally, bypassing CAS. Used by
// paths that already hold an authoritative lock (e.g. crash cleanup).
func (s *SQLiteStore) UpdateMachineStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE vms SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}
	return requireRowAffected(result)
}

// ClearMachineConfiguration wipes the runtime config entirely (used after a
// clean Stop or a fully successful cleanup run).
func (s *SQLiteStore) ClearMachineConfiguration(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE vms SET runtime = NULL, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear machine configuration: %w", err)
	}
	return requireRowAffected(result)
}

// ClearVolatileMachineConfiguration clears the whole runtime config and the
// CPU-pin selection; every other column of the record is left as it is. No
// runtime field survives, including the tap-device name in
// runtime.TapDevice.
func (s *SQLiteStore) ClearVolatileMachineConfiguration(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE vms SET
			runtime = NULL,
			cpu_pin_cores = NULL,
			updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear volatile machine configuration: %w", err)
	}
	return requireRowAffected(result)
}

// TransitionVMStatus performs a compare-and-swap status transition,
// returning ErrVersionConflict if expectedVersion is stale (§6, §9 open
// question: all non-matching CAS failures surface as CONCURRENT_MODIFICATION
// uniformly — callers decide whether to retry internally).
func (s *SQLiteStore) TransitionVMStatus(ctx context.Context, id, from, to string, expectedVersion int) (*TransitionResult, error) {
	if !model.ValidTransition(from, to) {
		return nil, model.NewError(model.ErrInvalidState, fmt.Sprintf("cannot transition %s -> %s", from, to), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+selectVMColumns+" FROM vms WHERE id = ?", id)
	vm, err := scanVM(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vm for transition: %w", err)
	}
	if vm.Status != from || vm.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	newVersion := vm.Version + 1
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		"UPDATE vms SET status = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?",
		to, newVersion, now, id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check transition rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	vm.Status, vm.Version, vm.UpdatedAt = to, newVersion, now
	return &TransitionResult{NewVersion: newVersion, VM: vm}, nil
}

// GetFirewallRules returns the rule set attached to a VM, ordered by priority.
func (s *SQLiteStore) GetFirewallRules(ctx context.Context, id string) ([]model.FirewallRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM firewall_rules WHERE vm_id = ? ORDER BY priority ASC", id,
	)
	if err != nil {
		return nil, fmt.Errorf("get firewall rules: %w", err)
	}
	defer rows.Close()

	var rules []model.FirewallRule
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan firewall rule: %w", err)
		}
		var r model.FirewallRule
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal firewall rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firewall rules: %w", err)
	}
	return rules, nil
}

// PutFirewallRules replaces the VM-level rule set attached to id.
func (s *SQLiteStore) PutFirewallRules(ctx context.Context, id string, rules []model.FirewallRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put firewall rules tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM firewall_rules WHERE vm_id = ?", id); err != nil {
		return fmt.Errorf("clear firewall rules: %w", err)
	}
	for _, r := range rules {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal firewall rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO firewall_rules (vm_id, rule_id, payload, priority) VALUES (?, ?, ?, ?)",
			id, r.ID, string(payload), r.Priority,
		); err != nil {
			return fmt.Errorf("insert firewall rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// GetMachineInternalName resolves just the internal name, a cheap path for
// callers that only need a stable naming key and not the full config
// decode.
func (s *SQLiteStore) GetMachineInternalName(ctx context.Context, id string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT internal_name FROM vms WHERE id = ?", id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get machine internal name: %w", err)
	}
	return name, nil
}

// FindRunningVMs returns every VM record with status=running, for the
// health monitor's periodic sweep.
func (s *SQLiteStore) FindRunningVMs(ctx context.Context) ([]*model.VM, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectVMColumns+" FROM vms WHERE status = ?", model.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("find running vms: %w", err)
	}
	defer rows.Close()

	var vms []*model.VM
	for rows.Next() {
		vm, err := scanVM(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan running vm: %w", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running vms: %w", err)
	}
	return vms, nil
}

// ListVMs returns every VM record, ordered by creation time.
func (s *SQLiteStore) ListVMs(ctx context.Context) ([]*model.VM, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectVMColumns+" FROM vms ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var vms []*model.VM
	for rows.Next() {
		vm, err := scanVM(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vms: %w", err)
	}
	return vms, nil
}

// DeleteVM removes a VM record and its attached firewall rules.
func (s *SQLiteStore) DeleteVM(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM firewall_rules WHERE vm_id = ?", id); err != nil {
		return fmt.Errorf("delete firewall rules: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM vms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	if err := requireRowAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordCleanupRun persists a completed cleanup run for audit/alerting.
func (s *SQLiteStore) RecordCleanupRun(ctx context.Context, run *model.CleanupRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal cleanup run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO cleanup_runs (vm_id, started_at, ended_at, payload) VALUES (?, ?, ?, ?)",
		run.VMID, run.StartedAt, run.EndedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("record cleanup run: %w", err)
	}
	return nil
}

func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
