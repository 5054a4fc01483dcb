package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), 60)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshotAt(ts time.Time, voltage, current float64) *model.Snapshot {
	return &model.Snapshot{
		Timestamp: ts,
		Banks: map[int]*model.BankData{
			1: {Number: 1, Voltage: model.Float(voltage), Current: model.Float(current),
				Power: model.Float(voltage * current), LoadState: "normal"},
		},
		Outlets: map[int]*model.OutletData{
			3: {Number: 3, Name: "Outlet3", State: "on",
				Current: model.Float(current), Power: model.Float(voltage * current)},
		},
	}
}

func TestAppendAndQueryRaw(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	for i := 0; i < 30; i++ {
		s.Append("pdu44001", snapshotAt(base.Add(time.Duration(i)*time.Second), 120.0, 1.0))
	}
	s.Flush()

	points, err := s.QueryBanks("pdu44001", base.Add(-time.Second), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	if len(points) != 30 {
		t.Fatalf("raw query returned %d points, want 30", len(points))
	}
	if *points[0].Voltage != 120.0 {
		t.Errorf("voltage = %v, want 120.0", *points[0].Voltage)
	}

	// 其它设备不可见
	other, err := s.QueryBanks("other", base.Add(-time.Second), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryBanks(other): %v", err)
	}
	if len(other) != 0 {
		t.Errorf("device isolation broken: got %d points for other device", len(other))
	}
}

func TestQueryDownsampling(t *testing.T) {
	s := openTestStore(t)

	// 10 分钟 @1Hz = 600 条，24h 区间 60s 桶 -> 10 个桶
	base := time.Now().Add(-time.Hour).Truncate(time.Minute)
	for i := 0; i < 600; i++ {
		s.Append("pdu1", snapshotAt(base.Add(time.Duration(i)*time.Second), 120.0, 2.0))
	}
	s.Flush()

	start := base.Add(-23 * time.Hour)
	end := base.Add(time.Hour)
	points, err := s.QueryBanks("pdu1", start, end)
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	if len(points) != 10 {
		t.Fatalf("24h query returned %d buckets, want 10", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Bucket-points[i-1].Bucket != 60 {
			t.Errorf("bucket spacing = %d, want 60", points[i].Bucket-points[i-1].Bucket)
		}
	}
	// 区间上限约束: 1440 桶以内
	if len(points) > 1440 {
		t.Errorf("24h query exceeded max points: %d", len(points))
	}
}

func TestQueryOutletStateLast(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Minute)
	// 同一分钟内先 on 后 off: 60s 桶里 state 应为 off
	for i := 0; i < 30; i++ {
		s.Append("pdu1", snapshotAt(base.Add(time.Duration(i)*time.Second), 120.0, 1.0))
	}
	for i := 30; i < 60; i++ {
		snap := snapshotAt(base.Add(time.Duration(i)*time.Second), 120.0, 0)
		snap.Outlets[3].State = "off"
		s.Append("pdu1", snap)
	}
	s.Flush()

	points, err := s.QueryOutlets("pdu1", base.Add(-23*time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryOutlets: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d buckets, want 1", len(points))
	}
	if points[0].State != "off" {
		t.Errorf("bucket state = %q, want off (last value wins)", points[0].State)
	}
}

func TestBucketSize(t *testing.T) {
	now := time.Now()
	tests := []struct {
		span time.Duration
		want int64
	}{
		{time.Hour, 1},
		{6 * time.Hour, 10},
		{24 * time.Hour, 60},
		{7 * 24 * time.Hour, 300},
		{30 * 24 * time.Hour, 900},
		{60 * 24 * time.Hour, 1800},
	}
	for _, tt := range tests {
		if got := BucketSize(now.Add(-tt.span), now); got != tt.want {
			t.Errorf("BucketSize(%v) = %d, want %d", tt.span, got, tt.want)
		}
	}
}

func TestRetentionCutoff(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	retention := time.Duration(60) * 24 * time.Hour
	// 超期 1 秒的行删除，剩 1 秒到期的行保留
	s.Append("pdu1", snapshotAt(now.Add(-retention-time.Second), 120, 1))
	s.Append("pdu1", snapshotAt(now.Add(-retention+time.Second), 120, 1))
	s.Flush()

	if _, err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	points, err := s.QueryBanks("pdu1", now.Add(-retention-time.Hour), now)
	if err != nil {
		t.Fatalf("QueryBanks: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("after cleanup got %d rows, want 1", len(points))
	}
}

func TestParseRange(t *testing.T) {
	start, end, err := ParseRange("24h", "", "")
	if err != nil {
		t.Fatalf("ParseRange: %v", err)
	}
	if span := end.Sub(start); span != 24*time.Hour {
		t.Errorf("span = %v, want 24h", span)
	}

	if _, _, err := ParseRange("3w", "", ""); err == nil {
		t.Error("invalid range accepted")
	}
	if _, _, err := ParseRange("", "100", "50"); err == nil {
		t.Error("end before start accepted")
	}
}

func TestWeeklyReportIdempotent(t *testing.T) {
	s := openTestStore(t)

	weekStart, _ := lastCompleteWeek(time.Now())
	// 周内前两小时每分钟一条
	for i := 0; i < 120; i++ {
		s.Append("pdu1", snapshotAt(weekStart.Add(time.Duration(i)*time.Minute), 120, 2))
	}
	s.Flush()

	first, err := s.GenerateWeeklyReport("pdu1")
	if err != nil {
		t.Fatalf("GenerateWeeklyReport: %v", err)
	}
	if first == nil {
		t.Fatal("expected a report payload")
	}
	if first.TotalKWh <= 0 {
		t.Errorf("TotalKWh = %v, want > 0", first.TotalKWh)
	}

	second, err := s.GenerateWeeklyReport("pdu1")
	if err != nil {
		t.Fatalf("second GenerateWeeklyReport: %v", err)
	}
	if second != nil {
		t.Error("report generation is not idempotent per (device, week)")
	}

	reports, err := s.ListReports("pdu1")
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("ListReports returned %d, want 1", len(reports))
	}

	got, err := s.GetReport(reports[0].ID)
	if err != nil || got == nil {
		t.Fatalf("GetReport: %v %v", got, err)
	}
	if len(got.Data) == 0 {
		t.Error("report data payload missing")
	}
}
