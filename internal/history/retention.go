package history

import (
	"log"
	"time"
)

// StartRetention 启动每小时的保留清理任务
func (s *Store) StartRetention() {
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		log.Printf("History: retention sweep started (%d days)", s.retentionDays)
		for {
			select {
			case <-ticker.C:
				if n, err := s.Cleanup(); err != nil {
					log.Printf("History: retention sweep error: %v", err)
				} else if n > 0 {
					log.Printf("History: retention sweep removed %d rows", n)
				}
			case <-s.retentionStop:
				return
			}
		}
	}()
}

// Cleanup 删除超过保留期的采样行，返回删除行数
func (s *Store) Cleanup() (int64, error) {
	cutoff := time.Now().Unix() - int64(s.retentionDays)*86400

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var total int64
	for _, table := range []string{"bank_samples", "outlet_samples"} {
		result, err := db.Exec("DELETE FROM "+table+" WHERE ts < ?", cutoff)
		if err != nil {
			return total, err
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Vacuum 压实数据库。显式操作，不自动触发。
func (s *Store) Vacuum() error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	_, err := db.Exec("VACUUM")
	return err
}
