package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/mvalancy/pdubridge/internal/model"
)

const (
	// 批量提交: 满 N 批或到 T 毫秒，先到者生效
	flushBatchCount = 10
	flushInterval   = 1000 * time.Millisecond

	// 写失败累计到阈值后重连
	reconnectErrorThreshold = 5

	DefaultRetentionDays = 60
)

// BankSample bank 采样行
type BankSample struct {
	TS       int64
	DeviceID string
	Bank     int
	Voltage  *float64
	Current  *float64
	Power    *float64
	Apparent *float64
	PF       *float64
}

// OutletSample 插座采样行
type OutletSample struct {
	TS       int64
	DeviceID string
	Outlet   int
	State    string
	Current  *float64
	Power    *float64
	Energy   *float64
}

type batch struct {
	banks   []BankSample
	outlets []OutletSample
}

// Store 历史存储。单写多读: 写入走专职 goroutine 批量提交，
// 读取通过 WAL 与写入并发。
type Store struct {
	path          string
	retentionDays int

	mu sync.RWMutex // 保护 db 重连
	db *sql.DB

	writeCh  chan batch
	stopCh   chan struct{}
	done     sync.WaitGroup
	writeErr atomic.Int64

	retentionStop chan struct{}
	retentionOnce sync.Once
}

// Open 打开（或创建）历史数据库
func Open(path string, retentionDays int) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:          path,
		retentionDays: retentionDays,
		db:            db,
		writeCh:       make(chan batch, 64),
		stopCh:        make(chan struct{}),
		retentionStop: make(chan struct{}),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	s.done.Add(1)
	go s.writeLoop()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bank_samples (
			ts INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			bank INTEGER NOT NULL,
			voltage REAL,
			current REAL,
			power REAL,
			apparent REAL,
			pf REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bank_dev_ts ON bank_samples(device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS outlet_samples (
			ts INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			outlet INTEGER NOT NULL,
			state TEXT,
			current REAL,
			power REAL,
			energy REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outlet_dev_ts ON outlet_samples(device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS energy_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			week_start TEXT NOT NULL,
			week_end TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_report_dev_week ON energy_reports(device_id, week_start)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Append 提交一次轮询的采样批。写队列满时阻塞，直到写入循环腾出
// 空间；存储关闭后提交的批次被丢弃。
func (s *Store) Append(deviceID string, snap *model.Snapshot) {
	ts := snap.Timestamp.Unix()
	b := batch{}

	for idx, bank := range snap.Banks {
		b.banks = append(b.banks, BankSample{
			TS: ts, DeviceID: deviceID, Bank: idx,
			Voltage: bank.Voltage, Current: bank.Current,
			Power: bank.Power, Apparent: bank.ApparentPower, PF: bank.PowerFactor,
		})
	}
	for n, outlet := range snap.Outlets {
		b.outlets = append(b.outlets, OutletSample{
			TS: ts, DeviceID: deviceID, Outlet: n,
			State: outlet.State, Current: outlet.Current,
			Power: outlet.Power, Energy: outlet.Energy,
		})
	}
	if len(b.banks) == 0 && len(b.outlets) == 0 {
		return
	}

	select {
	case s.writeCh <- b:
	case <-s.stopCh:
	}
}

// writeLoop 专职写入循环
func (s *Store) writeLoop() {
	defer s.done.Done()

	var pending []batch
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := s.commit(pending); err != nil {
			n := s.writeErr.Add(1)
			log.Printf("History: batch commit failed (%d): %v", n, err)
			if n%reconnectErrorThreshold == 0 {
				s.reconnect()
			}
			// 失败批次丢弃，下批继续
		}
		pending = pending[:0]
	}

	for {
		select {
		case b := <-s.writeCh:
			pending = append(pending, b)
			if len(pending) >= flushBatchCount {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// 清空通道中的剩余批次后最后一次提交
			for {
				select {
				case b := <-s.writeCh:
					pending = append(pending, b)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) commit(batches []batch) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bankStmt, err := tx.Prepare(
		`INSERT INTO bank_samples (ts, device_id, bank, voltage, current, power, apparent, pf)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer bankStmt.Close()

	outletStmt, err := tx.Prepare(
		`INSERT INTO outlet_samples (ts, device_id, outlet, state, current, power, energy)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer outletStmt.Close()

	for _, b := range batches {
		for _, row := range b.banks {
			if _, err := bankStmt.Exec(row.TS, row.DeviceID, row.Bank,
				nullable(row.Voltage), nullable(row.Current), nullable(row.Power),
				nullable(row.Apparent), nullable(row.PF)); err != nil {
				return err
			}
		}
		for _, row := range b.outlets {
			if _, err := outletStmt.Exec(row.TS, row.DeviceID, row.Outlet,
				row.State, nullable(row.Current), nullable(row.Power), nullable(row.Energy)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Store) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Println("History: reconnecting database after repeated write failures")
	if s.db != nil {
		s.db.Close()
	}
	db, err := openDB(s.path)
	if err != nil {
		log.Printf("History: reconnect failed: %v", err)
		return
	}
	s.db = db
}

// WriteErrors 累计写入错误数（健康聚合用）
func (s *Store) WriteErrors() int64 {
	return s.writeErr.Load()
}

// Flush 等待当前提交窗口落盘（测试用）
func (s *Store) Flush() {
	deadline := time.Now().Add(2 * flushInterval)
	for time.Now().Before(deadline) {
		if len(s.writeCh) == 0 {
			time.Sleep(flushInterval + 50*time.Millisecond)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close 停止写入并关闭数据库。崩溃最多丢失最后一个未提交批。
func (s *Store) Close() error {
	s.retentionOnce.Do(func() { close(s.retentionStop) })
	close(s.stopCh)
	s.done.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
