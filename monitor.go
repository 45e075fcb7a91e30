package lottery

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// PerformanceMetrics 性能指标收集器
type PerformanceMetrics struct {
	// 购票统计
	TicketsSold     int64 `json:"tickets_sold"`     // 售出票数
	RejectedDeposit int64 `json:"rejected_deposit"` // 押金不符被拒次数

	// 抽奖操作统计
	TotalDraws      int64 `json:"total_draws"`      // 总抽奖次数
	SuccessfulDraws int64 `json:"successful_draws"` // 成功抽奖次数
	FailedDraws     int64 `json:"failed_draws"`     // 失败抽奖次数
	WinnersDrawn    int64 `json:"winners_drawn"`    // 抽出的中奖者数

	// 领奖与转账
	Claims            int64 `json:"claims"`             // 成功领奖次数
	RejectedClaims    int64 `json:"rejected_claims"`    // 被拒领奖次数
	TransfersPaid     int64 `json:"transfers_paid"`     // 已确认转账
	TransfersReverted int64 `json:"transfers_reverted"` // 明确失败并回滚的转账
	TransfersUnknown  int64 `json:"transfers_unknown"`  // 结果未知, 等待对账

	// 锁操作统计
	LockAcquisitions    int64 `json:"lock_acquisitions"`     // 锁获取次数
	LockAcquisitionTime int64 `json:"lock_acquisition_time"` // 锁获取总时间(纳秒)
	LockReleases        int64 `json:"lock_releases"`         // 锁释放次数
	LockFailures        int64 `json:"lock_failures"`         // 锁获取失败次数

	// 性能统计
	AverageDrawTime int64 `json:"average_draw_time"` // 平均抽奖时间(纳秒)
	TotalDrawTime   int64 `json:"total_draw_time"`   // 总抽奖时间(纳秒)

	// Redis统计
	RedisErrors int64 `json:"redis_errors"` // Redis错误数

	// 时间戳
	StartTime      int64 `json:"start_time"`       // 开始时间
	LastUpdateTime int64 `json:"last_update_time"` // 最后更新时间
}

// GetSuccessRate 获取抽奖成功率
func (pm *PerformanceMetrics) GetSuccessRate() float64 {
	total := atomic.LoadInt64(&pm.TotalDraws)
	if total == 0 {
		return 0.0
	}
	successful := atomic.LoadInt64(&pm.SuccessfulDraws)
	return float64(successful) / float64(total) * 100.0
}

// GetAverageLockTime 获取平均锁获取时间
func (pm *PerformanceMetrics) GetAverageLockTime() time.Duration {
	acquisitions := atomic.LoadInt64(&pm.LockAcquisitions)
	if acquisitions == 0 {
		return 0
	}
	totalTime := atomic.LoadInt64(&pm.LockAcquisitionTime)
	return time.Duration(totalTime / acquisitions)
}

// Reset 重置性能指标
func (pm *PerformanceMetrics) Reset() {
	for _, p := range []*int64{
		&pm.TicketsSold, &pm.RejectedDeposit,
		&pm.TotalDraws, &pm.SuccessfulDraws, &pm.FailedDraws, &pm.WinnersDrawn,
		&pm.Claims, &pm.RejectedClaims,
		&pm.TransfersPaid, &pm.TransfersReverted, &pm.TransfersUnknown,
		&pm.LockAcquisitions, &pm.LockAcquisitionTime, &pm.LockReleases, &pm.LockFailures,
		&pm.AverageDrawTime, &pm.TotalDrawTime, &pm.RedisErrors,
	} {
		atomic.StoreInt64(p, 0)
	}
	atomic.StoreInt64(&pm.StartTime, time.Now().UnixNano())
	atomic.StoreInt64(&pm.LastUpdateTime, time.Now().UnixNano())
}

// ================================================================================

// PerformanceMonitor 性能监控器
type PerformanceMonitor struct {
	metrics *PerformanceMetrics
	mu      sync.RWMutex
	enabled bool
}

// NewPerformanceMonitor 创建新的性能监控器
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		metrics: &PerformanceMetrics{},
		enabled: true,
	}
	pm.metrics.Reset()
	return pm
}

// Enable 启用性能监控
func (pm *PerformanceMonitor) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.enabled = true
}

// Disable 禁用性能监控
func (pm *PerformanceMonitor) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.enabled = false
}

// IsEnabled 检查是否启用了性能监控
func (pm *PerformanceMonitor) IsEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return pm.enabled
}

func (pm *PerformanceMonitor) add(p *int64, delta int64) {
	if !pm.IsEnabled() {
		return
	}
	atomic.AddInt64(p, delta)
	atomic.StoreInt64(&pm.metrics.LastUpdateTime, time.Now().UnixNano())
}

// RecordPurchase 记录购票
func (pm *PerformanceMonitor) RecordPurchase(tickets int, err error) {
	switch {
	case err == nil:
		pm.add(&pm.metrics.TicketsSold, int64(tickets))
	case errors.Is(err, ErrBadDeposit):
		pm.add(&pm.metrics.RejectedDeposit, 1)
	}
}

// RecordDraw 记录抽奖操作
func (pm *PerformanceMonitor) RecordDraw(winners int, success bool, duration time.Duration) {
	if !pm.IsEnabled() {
		return
	}

	atomic.AddInt64(&pm.metrics.TotalDraws, 1)
	atomic.AddInt64(&pm.metrics.TotalDrawTime, int64(duration))

	// 更新抽奖统计
	if success {
		atomic.AddInt64(&pm.metrics.SuccessfulDraws, 1)
		atomic.AddInt64(&pm.metrics.WinnersDrawn, int64(winners))
	} else {
		atomic.AddInt64(&pm.metrics.FailedDraws, 1)
	}

	// 更新平均抽奖时间
	totalDraws := atomic.LoadInt64(&pm.metrics.TotalDraws)
	totalTime := atomic.LoadInt64(&pm.metrics.TotalDrawTime)
	atomic.StoreInt64(&pm.metrics.AverageDrawTime, totalTime/totalDraws)

	atomic.StoreInt64(&pm.metrics.LastUpdateTime, time.Now().UnixNano())
}

// RecordClaim 记录领奖
func (pm *PerformanceMonitor) RecordClaim(success bool) {
	if success {
		pm.add(&pm.metrics.Claims, 1)
	} else {
		pm.add(&pm.metrics.RejectedClaims, 1)
	}
}

// RecordSettlement 记录转账结果
func (pm *PerformanceMonitor) RecordSettlement(status ClaimStatus) {
	switch status {
	case ClaimPaid:
		pm.add(&pm.metrics.TransfersPaid, 1)
	case ClaimPending:
		pm.add(&pm.metrics.TransfersReverted, 1)
	default:
		pm.add(&pm.metrics.TransfersUnknown, 1)
	}
}

// RecordLockAcquisition 记录锁获取操作
func (pm *PerformanceMonitor) RecordLockAcquisition(success bool, duration time.Duration) {
	if !pm.IsEnabled() {
		return
	}

	if success {
		atomic.AddInt64(&pm.metrics.LockAcquisitions, 1)
		atomic.AddInt64(&pm.metrics.LockAcquisitionTime, int64(duration))
	} else {
		atomic.AddInt64(&pm.metrics.LockFailures, 1)
	}

	atomic.StoreInt64(&pm.metrics.LastUpdateTime, time.Now().UnixNano())
}

// RecordLockRelease 记录锁释放操作
func (pm *PerformanceMonitor) RecordLockRelease() {
	pm.add(&pm.metrics.LockReleases, 1)
}

// RecordRedisError 记录Redis错误
func (pm *PerformanceMonitor) RecordRedisError() {
	pm.add(&pm.metrics.RedisErrors, 1)
}

// GetMetrics 获取性能指标的副本
func (pm *PerformanceMonitor) GetMetrics() PerformanceMetrics {
	m := pm.metrics
	return PerformanceMetrics{
		TicketsSold:         atomic.LoadInt64(&m.TicketsSold),
		RejectedDeposit:     atomic.LoadInt64(&m.RejectedDeposit),
		TotalDraws:          atomic.LoadInt64(&m.TotalDraws),
		SuccessfulDraws:     atomic.LoadInt64(&m.SuccessfulDraws),
		FailedDraws:         atomic.LoadInt64(&m.FailedDraws),
		WinnersDrawn:        atomic.LoadInt64(&m.WinnersDrawn),
		Claims:              atomic.LoadInt64(&m.Claims),
		RejectedClaims:      atomic.LoadInt64(&m.RejectedClaims),
		TransfersPaid:       atomic.LoadInt64(&m.TransfersPaid),
		TransfersReverted:   atomic.LoadInt64(&m.TransfersReverted),
		TransfersUnknown:    atomic.LoadInt64(&m.TransfersUnknown),
		LockAcquisitions:    atomic.LoadInt64(&m.LockAcquisitions),
		LockAcquisitionTime: atomic.LoadInt64(&m.LockAcquisitionTime),
		LockReleases:        atomic.LoadInt64(&m.LockReleases),
		LockFailures:        atomic.LoadInt64(&m.LockFailures),
		AverageDrawTime:     atomic.LoadInt64(&m.AverageDrawTime),
		TotalDrawTime:       atomic.LoadInt64(&m.TotalDrawTime),
		RedisErrors:         atomic.LoadInt64(&m.RedisErrors),
		StartTime:           atomic.LoadInt64(&m.StartTime),
		LastUpdateTime:      atomic.LoadInt64(&m.LastUpdateTime),
	}
}

// ResetMetrics 重置性能指标
func (pm *PerformanceMonitor) ResetMetrics() { pm.metrics.Reset() }
