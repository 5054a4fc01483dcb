package history

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BucketSize 按区间宽度选择降采样桶宽（秒）。
//
//	<=1h  原始 1s
//	<=6h  10s
//	<=24h 60s
//	<=7d  300s
//	<=30d 900s
//	其余  1800s
func BucketSize(start, end time.Time) int64 {
	span := end.Sub(start)
	switch {
	case span <= time.Hour:
		return 1
	case span <= 6*time.Hour:
		return 10
	case span <= 24*time.Hour:
		return 60
	case span <= 7*24*time.Hour:
		return 300
	case span <= 30*24*time.Hour:
		return 900
	default:
		return 1800
	}
}

// BankPoint bank 降采样输出点
type BankPoint struct {
	Bucket   int64    `json:"bucket"`
	Bank     int      `json:"bank"`
	Voltage  *float64 `json:"voltage"`
	Current  *float64 `json:"current"`
	Power    *float64 `json:"power"`
	Apparent *float64 `json:"apparent"`
	PF       *float64 `json:"pf"`
}

// OutletPoint 插座降采样输出点
type OutletPoint struct {
	Bucket  int64    `json:"bucket"`
	Outlet  int      `json:"outlet"`
	State   string   `json:"state"`
	Current *float64 `json:"current"`
	Power   *float64 `json:"power"`
	Energy  *float64 `json:"energy"`
}

// QueryBanks 查询 bank 历史，按 (bucket, bank) 排序。
// 数值字段桶内平均。
func (s *Store) QueryBanks(deviceID string, start, end time.Time) ([]BankPoint, error) {
	interval := BucketSize(start, end)

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	rows, err := db.Query(
		`SELECT (ts / ?) * ? AS bucket, bank,
		        AVG(voltage) AS voltage, AVG(current) AS current,
		        AVG(power) AS power, AVG(apparent) AS apparent, AVG(pf) AS pf
		 FROM bank_samples
		 WHERE device_id = ? AND ts >= ? AND ts <= ?
		 GROUP BY bucket, bank ORDER BY bucket, bank`,
		interval, interval, deviceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []BankPoint
	for rows.Next() {
		var p BankPoint
		var voltage, current, power, apparent, pf sql.NullFloat64
		if err := rows.Scan(&p.Bucket, &p.Bank, &voltage, &current, &power, &apparent, &pf); err != nil {
			return nil, err
		}
		p.Voltage = fromNull(voltage)
		p.Current = fromNull(current)
		p.Power = fromNull(power)
		p.Apparent = fromNull(apparent)
		p.PF = fromNull(pf)
		points = append(points, p)
	}
	return points, rows.Err()
}

// QueryOutlets 查询插座历史，按 (bucket, outlet) 排序。
// 数值字段桶内平均，state 取桶内最后一条（MAX(ts) 对应行的裸列，
// SQLite 对带 MAX 聚合的分组保证这一语义），energy 为计数器取最大。
func (s *Store) QueryOutlets(deviceID string, start, end time.Time) ([]OutletPoint, error) {
	interval := BucketSize(start, end)

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	rows, err := db.Query(
		`SELECT (ts / ?) * ? AS bucket, outlet, state, MAX(ts),
		        AVG(current) AS current, AVG(power) AS power, MAX(energy) AS energy
		 FROM outlet_samples
		 WHERE device_id = ? AND ts >= ? AND ts <= ?
		 GROUP BY bucket, outlet ORDER BY bucket, outlet`,
		interval, interval, deviceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []OutletPoint
	for rows.Next() {
		var p OutletPoint
		var state sql.NullString
		var maxTS int64
		var current, power, energy sql.NullFloat64
		if err := rows.Scan(&p.Bucket, &p.Outlet, &state, &maxTS, &current, &power, &energy); err != nil {
			return nil, err
		}
		p.State = state.String
		p.Current = fromNull(current)
		p.Power = fromNull(power)
		p.Energy = fromNull(energy)
		points = append(points, p)
	}
	return points, rows.Err()
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ParseRange 解析 HTTP 查询的时间区间: "1h"/"6h"/"24h"/"7d"/"30d"/"60d"
// 或显式 start+end（Unix 秒）。
func ParseRange(rangeStr, startStr, endStr string) (time.Time, time.Time, error) {
	now := time.Now()
	if startStr != "" && endStr != "" {
		startSec, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %q", startStr)
		}
		endSec, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %q", endStr)
		}
		if endSec <= startSec {
			return time.Time{}, time.Time{}, fmt.Errorf("end must be after start")
		}
		return time.Unix(startSec, 0), time.Unix(endSec, 0), nil
	}

	if rangeStr == "" {
		rangeStr = "1h"
	}
	var d time.Duration
	switch strings.ToLower(rangeStr) {
	case "1h":
		d = time.Hour
	case "6h":
		d = 6 * time.Hour
	case "24h", "1d":
		d = 24 * time.Hour
	case "7d":
		d = 7 * 24 * time.Hour
	case "30d":
		d = 30 * 24 * time.Hour
	case "60d":
		d = 60 * 24 * time.Hour
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid range: %q", rangeStr)
	}
	return now.Add(-d), now, nil
}

// BanksCSV bank 查询结果的 CSV 编码
func BanksCSV(points []BankPoint) string {
	var sb strings.Builder
	sb.WriteString("bucket,bank,voltage,current,power,apparent,pf\n")
	for _, p := range points {
		sb.WriteString(fmt.Sprintf("%d,%d,%s,%s,%s,%s,%s\n",
			p.Bucket, p.Bank, csvFloat(p.Voltage), csvFloat(p.Current),
			csvFloat(p.Power), csvFloat(p.Apparent), csvFloat(p.PF)))
	}
	return sb.String()
}

// OutletsCSV 插座查询结果的 CSV 编码
func OutletsCSV(points []OutletPoint) string {
	var sb strings.Builder
	sb.WriteString("bucket,outlet,state,current,power,energy\n")
	for _, p := range points {
		sb.WriteString(fmt.Sprintf("%d,%d,%s,%s,%s,%s\n",
			p.Bucket, p.Outlet, p.State, csvFloat(p.Current),
			csvFloat(p.Power), csvFloat(p.Energy)))
	}
	return sb.String()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
