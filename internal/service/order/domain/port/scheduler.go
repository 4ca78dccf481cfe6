package port

import (
	"context"
	"time"
)

// DelayScheduler 是延迟任务的出站端口。
// ScheduleGraceCheck 在 due 时刻触发一次宽限期检查；实现基于延迟 topic，
// 到期后由调度进程转投回实际 topic。
type DelayScheduler interface {
	ScheduleGraceCheck(ctx context.Context, orderID string, due time.Time) error
}
