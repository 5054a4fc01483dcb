package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"
)

// Report 周能耗报表
type Report struct {
	ID        int64           `json:"id"`
	DeviceID  string          `json:"device_id"`
	WeekStart string          `json:"week_start"`
	WeekEnd   string          `json:"week_end"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReportPayload 报表数据体
type ReportPayload struct {
	WeekStart   string                 `json:"week_start"`
	WeekEnd     string                 `json:"week_end"`
	TotalKWh    float64                `json:"total_kwh"`
	PeakPowerW  float64                `json:"peak_power_w"`
	AvgPowerW   float64                `json:"avg_power_w"`
	PerOutlet   map[string]OutletUsage `json:"per_outlet"`
	Daily       map[string]DailyUsage  `json:"daily"`
	SampleCount int                    `json:"sample_count"`
}

// OutletUsage 单插座周用量
type OutletUsage struct {
	KWh       float64 `json:"kwh"`
	AvgPower  float64 `json:"avg_power"`
	PeakPower float64 `json:"peak_power"`
}

// DailyUsage 单日用量
type DailyUsage struct {
	KWh       float64 `json:"kwh"`
	AvgPower  float64 `json:"avg_power"`
	PeakPower float64 `json:"peak_power"`
}

// lastCompleteWeek 最近一个完整的周一到周日区间
func lastCompleteWeek(now time.Time) (time.Time, time.Time) {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7 // Mon=0
	thisMonday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -daysSinceMonday)
	weekStart := thisMonday.AddDate(0, 0, -7)
	return weekStart, thisMonday
}

// GenerateWeeklyReport 为设备生成最近一个完整周的报表。
// 按 (device_id, week_start) 幂等；已存在或无数据时返回 nil。
func (s *Store) GenerateWeeklyReport(deviceID string) (*ReportPayload, error) {
	weekStart, weekEnd := lastCompleteWeek(time.Now())
	weekStartStr := weekStart.Format("2006-01-02")
	weekEndStr := weekEnd.Format("2006-01-02")

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var existing int64
	err := db.QueryRow(
		"SELECT id FROM energy_reports WHERE device_id = ? AND week_start = ?",
		deviceID, weekStartStr).Scan(&existing)
	if err == nil {
		return nil, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	payload, err := s.buildReportPayload(db, deviceID, weekStart, weekEnd)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	payload.WeekStart = weekStartStr
	payload.WeekEnd = weekEndStr

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(
		`INSERT INTO energy_reports (device_id, week_start, week_end, created_at, data)
		 VALUES (?, ?, ?, ?, ?)`,
		deviceID, weekStartStr, weekEndStr, time.Now().Format(time.RFC3339), string(data))
	if err != nil {
		return nil, err
	}
	log.Printf("History: generated weekly report for %s (%s to %s): %.1f kWh",
		deviceID, weekStartStr, weekEndStr, payload.TotalKWh)
	return payload, nil
}

func (s *Store) buildReportPayload(db *sql.DB, deviceID string, start, end time.Time) (*ReportPayload, error) {
	// 桶宽一分钟，功率样本积分成 kWh
	const bucketSec = 60

	rows, err := db.Query(
		`SELECT bucket, SUM(avg_power) FROM (
			SELECT (ts / ?) * ? AS bucket, bank, AVG(power) AS avg_power
			FROM bank_samples
			WHERE device_id = ? AND ts >= ? AND ts < ? AND power IS NOT NULL
			GROUP BY bucket, bank)
		 GROUP BY bucket`,
		bucketSec, bucketSec, deviceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totalPower := make(map[int64]float64)
	for rows.Next() {
		var bucket int64
		var power float64
		if err := rows.Scan(&bucket, &power); err != nil {
			return nil, err
		}
		totalPower[bucket] = power
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	outletRows, err := db.Query(
		`SELECT (ts / ?) * ? AS bucket, outlet, AVG(power)
		 FROM outlet_samples
		 WHERE device_id = ? AND ts >= ? AND ts < ? AND power IS NOT NULL
		 GROUP BY bucket, outlet`,
		bucketSec, bucketSec, deviceID, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer outletRows.Close()

	outletPowers := make(map[int][]float64)
	for outletRows.Next() {
		var bucket int64
		var outlet int
		var power float64
		if err := outletRows.Scan(&bucket, &outlet, &power); err != nil {
			return nil, err
		}
		outletPowers[outlet] = append(outletPowers[outlet], power)
	}
	if err := outletRows.Err(); err != nil {
		return nil, err
	}

	if len(totalPower) == 0 && len(outletPowers) == 0 {
		return nil, nil
	}

	payload := &ReportPayload{
		PerOutlet:   make(map[string]OutletUsage),
		Daily:       make(map[string]DailyUsage),
		SampleCount: len(totalPower),
	}

	var totalKWh, peak, sum float64
	var nonzero int
	for _, p := range totalPower {
		totalKWh += p / 60.0 / 1000.0
		if p > 0 {
			sum += p
			nonzero++
			if p > peak {
				peak = p
			}
		}
	}
	payload.TotalKWh = round3(totalKWh)
	payload.PeakPowerW = round1(peak)
	if nonzero > 0 {
		payload.AvgPowerW = round1(sum / float64(nonzero))
	}

	for outlet, powers := range outletPowers {
		var oSum, oPeak, oKWh float64
		for _, p := range powers {
			oSum += p
			oKWh += p / 60.0 / 1000.0
			if p > oPeak {
				oPeak = p
			}
		}
		payload.PerOutlet[fmt.Sprintf("%d", outlet)] = OutletUsage{
			KWh:       round3(oKWh),
			AvgPower:  round1(oSum / float64(len(powers))),
			PeakPower: round1(oPeak),
		}
	}

	daily := make(map[string][]float64)
	for bucket, p := range totalPower {
		day := time.Unix(bucket, 0).Format("2006-01-02")
		daily[day] = append(daily[day], p)
	}
	for day, powers := range daily {
		var dSum, dPeak, dKWh float64
		for _, p := range powers {
			dSum += p
			dKWh += p / 60.0 / 1000.0
			if p > dPeak {
				dPeak = p
			}
		}
		payload.Daily[day] = DailyUsage{
			KWh:       round3(dKWh),
			AvgPower:  round1(dSum / float64(len(powers))),
			PeakPower: round1(dPeak),
		}
	}
	return payload, nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// ListReports 列出设备的报表（不含数据体），按周起始倒序
func (s *Store) ListReports(deviceID string) ([]Report, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	rows, err := db.Query(
		`SELECT id, device_id, week_start, week_end, created_at
		 FROM energy_reports WHERE device_id = ? ORDER BY week_start DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// GetReport 按 ID 取报表（含数据体）
func (s *Store) GetReport(id int64) (*Report, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var r Report
	var data string
	err := db.QueryRow(
		`SELECT id, device_id, week_start, week_end, created_at, data
		 FROM energy_reports WHERE id = ?`, id).
		Scan(&r.ID, &r.DeviceID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Data = json.RawMessage(data)
	return &r, nil
}

// LatestReport 设备最新报表（含数据体）
func (s *Store) LatestReport(deviceID string) (*Report, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var r Report
	var data string
	err := db.QueryRow(
		`SELECT id, device_id, week_start, week_end, created_at, data
		 FROM energy_reports WHERE device_id = ? ORDER BY week_start DESC LIMIT 1`, deviceID).
		Scan(&r.ID, &r.DeviceID, &r.WeekStart, &r.WeekEnd, &r.CreatedAt, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Data = json.RawMessage(data)
	return &r, nil
}

// DeleteDeviceData 删除设备的全部历史与报表（设备移除时调用）
func (s *Store) DeleteDeviceData(deviceID string) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	for _, table := range []string{"bank_samples", "outlet_samples", "energy_reports"} {
		if _, err := db.Exec("DELETE FROM "+table+" WHERE device_id = ?", deviceID); err != nil {
			return err
		}
	}
	return nil
}
