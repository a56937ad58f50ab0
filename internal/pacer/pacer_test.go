package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPacer() *BurstPacer {
	p := NewBurstPacer()
	p.sleep = func(time.Duration) {} // 测试中不真实等待
	return p
}

func TestBurstPacerRateLimitSteps(t *testing.T) {
	p := newTestPacer()
	assert.Equal(t, 25, p.BurstSize())

	p.OnRateLimited()
	assert.Equal(t, 20, p.BurstSize(), "first signal shrinks by 5")

	p.OnRateLimited()
	assert.Equal(t, 20, p.BurstSize(), "second signal floors to 20")

	p.OnRateLimited()
	assert.Equal(t, 15, p.BurstSize(), "third signal hits the hard minimum")

	// 继续收到信号也不会低于硬下限
	for i := 0; i < 5; i++ {
		p.OnRateLimited()
	}
	assert.Equal(t, 15, p.BurstSize())
}

func TestBurstPacerRateLimitFromAnyStart(t *testing.T) {
	p := newTestPacer()
	p.burstSize = 40

	p.OnRateLimited()
	p.OnRateLimited()
	p.OnRateLimited()
	assert.Equal(t, 15, p.BurstSize(), "three signals always end at the minimum")
}

func TestBurstPacerPauseGrowthCapped(t *testing.T) {
	p := newTestPacer()
	start := p.BurstPause()

	p.OnRateLimited()
	assert.InDelta(t, float64(start)*1.10, float64(p.BurstPause()), float64(time.Millisecond))

	for i := 0; i < 50; i++ {
		p.OnRateLimited()
	}
	assert.LessOrEqual(t, p.BurstPause(), burstPauseCap)
}

func TestBurstPacerCooldownBaseCapped(t *testing.T) {
	p := newTestPacer()
	assert.Equal(t, defaultCooldownBase, p.CooldownBase())

	p.OnRateLimited()
	assert.Equal(t, 90*time.Second, p.CooldownBase())

	for i := 0; i < 20; i++ {
		p.OnRateLimited()
	}
	assert.Equal(t, cooldownCap, p.CooldownBase())
}

func TestBurstPacerScheduleCount(t *testing.T) {
	p := newTestPacer()

	got := 0
	for range p.Schedule(7) {
		got++
	}
	assert.Equal(t, 7, got)
}

func TestBurstPacerCooldownRetryRequeuesSlot(t *testing.T) {
	p := newTestPacer()

	slots := p.Schedule(3)
	got := 0
	for range slots {
		got++
		if got == 1 {
			// 第一次调用触发403，冷却并要求重试
			p.Cooldown(true)
		}
	}
	assert.Equal(t, 4, got, "one extra slot re-queued for the retry")
}

func TestBurstPacerSecondScheduleUnaffectedByRetry(t *testing.T) {
	p := newTestPacer()

	got := 0
	for range p.Schedule(3) {
		got++
		if got == 1 {
			p.Cooldown(true)
		}
	}
	require.Equal(t, 4, got)

	// 上一轮的补发计数在生产协程退出时清零，不影响新一轮
	got = 0
	for range p.Schedule(2) {
		got++
	}
	assert.Equal(t, 2, got)
}

func TestBurstPacerCooldownConcurrentWithSchedule(t *testing.T) {
	// burstSize=1时每个槽位后生产协程都取一次抖动随机数，
	// 消费方同时冷却，共享随机源必须线程安全
	p := newTestPacer()
	p.burstSize = 1

	got := 0
	for range p.Schedule(50) {
		got++
		p.Cooldown(false)
	}
	assert.Equal(t, 50, got)
}

func TestBurstPacerCooldownSleepsWithJitter(t *testing.T) {
	p := NewBurstPacer()
	var slept time.Duration
	p.sleep = func(d time.Duration) { slept = d }

	p.Cooldown(false)
	require.GreaterOrEqual(t, slept, time.Duration(float64(defaultCooldownBase)*0.8))
	require.LessOrEqual(t, slept, time.Duration(float64(defaultCooldownBase)*1.2))
}

func TestConstantPacerSchedule(t *testing.T) {
	p := NewConstantPacer(time.Second)
	var slept []time.Duration
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	got := 0
	for range p.Schedule(4) {
		got++
	}
	assert.Equal(t, 4, got)
	// 第一个许可立即发出，其余间隔固定
	require.Len(t, slept, 3)
	for _, d := range slept {
		assert.Equal(t, time.Second, d)
	}
}
