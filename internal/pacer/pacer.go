package pacer

import (
	"math/rand"
	"sync"
	"time"
)

// Pacer 出站请求节流器。Schedule返回n个许可槽位，消费方在每次
// 外部API调用前取一个槽位，取不到就阻塞等待。
type Pacer interface {
	Schedule(n int) <-chan struct{}
	OnRateLimited()
	Cooldown(retry bool)
}

const (
	defaultBurstSize     = 25
	defaultBurstDuration = 10 * time.Second
	defaultBurstPause    = 120 * time.Second
	defaultCooldownBase  = 60 * time.Second

	burstSizeStep   = 5
	burstSizeSecond = 20 // 第二次限频信号后的下限
	burstSizeFloor  = 15 // 硬下限
	burstPauseCap   = 300 * time.Second
	cooldownCap     = 600 * time.Second
)

// BurstPacer 突发模式节流器：每个burst内均匀发出burstSize个许可，
// burst之间暂停burstPause（±10%抖动）。收到限频信号后逐级缩小
// burst并拉长暂停。单写者使用，跨sweep不共享。
type BurstPacer struct {
	mu            sync.Mutex
	burstSize     int
	burstDuration time.Duration
	burstPause    time.Duration
	cooldownBase  time.Duration
	rateLimitHits int
	extraSlots    int // Cooldown(retry=true)补发的槽位

	rng   *rand.Rand
	sleep func(time.Duration)
}

// NewBurstPacer 创建默认参数的突发节流器
func NewBurstPacer() *BurstPacer {
	return &BurstPacer{
		burstSize:     defaultBurstSize,
		burstDuration: defaultBurstDuration,
		burstPause:    defaultBurstPause,
		cooldownBase:  defaultCooldownBase,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:         time.Sleep,
	}
}

// Schedule 产生n个许可槽位的惰性序列
func (p *BurstPacer) Schedule(n int) <-chan struct{} {
	ch := make(chan struct{})

	go func() {
		defer close(ch)

		issued := 0
		inBurst := 0
		for issued < n+p.pendingExtra() {
			size, interval, pause := p.currentBurst()

			ch <- struct{}{}
			issued++
			inBurst++

			if inBurst >= size {
				// burst结束，暂停一段时间再继续（±10%抖动）
				p.sleep(p.jitter(pause, 0.9, 1.1))
				inBurst = 0
				continue
			}
			p.sleep(interval)
		}

		// 补发计数只在本轮有效，退出时清零，避免影响下一次Schedule
		p.mu.Lock()
		p.extraSlots = 0
		p.mu.Unlock()
	}()

	return ch
}

// OnRateLimited 限频信号回调：缩小burst、拉长暂停、抬高冷却基线
func (p *BurstPacer) OnRateLimited() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rateLimitHits++
	switch p.rateLimitHits {
	case 1:
		p.burstSize -= burstSizeStep
		if p.burstSize < burstSizeFloor {
			p.burstSize = burstSizeFloor
		}
	case 2:
		if p.burstSize > burstSizeSecond {
			p.burstSize = burstSizeSecond
		}
	default:
		p.burstSize = burstSizeFloor
	}

	p.burstPause = time.Duration(float64(p.burstPause) * 1.10)
	if p.burstPause > burstPauseCap {
		p.burstPause = burstPauseCap
	}

	p.cooldownBase = time.Duration(float64(p.cooldownBase) * 1.5)
	if p.cooldownBase > cooldownCap {
		p.cooldownBase = cooldownCap
	}
}

// Cooldown 按当前基线冷却（0.8~1.2抖动）。retry=true时补发一个槽位，
// 用于重试触发冷却的那次调用。
func (p *BurstPacer) Cooldown(retry bool) {
	p.mu.Lock()
	base := p.cooldownBase
	if retry {
		p.extraSlots++
	}
	p.mu.Unlock()

	p.sleep(p.jitter(base, 0.8, 1.2))
}

// BurstSize 当前burst大小
func (p *BurstPacer) BurstSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.burstSize
}

// BurstPause 当前burst间暂停时长
func (p *BurstPacer) BurstPause() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.burstPause
}

// CooldownBase 当前冷却基线
func (p *BurstPacer) CooldownBase() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldownBase
}

func (p *BurstPacer) currentBurst() (size int, interval, pause time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size = p.burstSize
	interval = p.burstDuration / time.Duration(size)
	pause = p.burstPause
	return size, interval, pause
}

func (p *BurstPacer) pendingExtra() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extraSlots
}

// ConstantPacer 固定间隔节流器，用于低频的外部校验调用
type ConstantPacer struct {
	interval time.Duration
	sleep    func(time.Duration)
}

// NewConstantPacer 创建固定间隔节流器
func NewConstantPacer(interval time.Duration) *ConstantPacer {
	return &ConstantPacer{
		interval: interval,
		sleep:    time.Sleep,
	}
}

// Schedule 每隔interval发出一个许可
func (p *ConstantPacer) Schedule(n int) <-chan struct{} {
	ch := make(chan struct{})

	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			if i > 0 {
				p.sleep(p.interval)
			}
			ch <- struct{}{}
		}
	}()

	return ch
}

// OnRateLimited 固定间隔模式不做自适应
func (p *ConstantPacer) OnRateLimited() {}

// Cooldown 简单等待一个间隔
func (p *ConstantPacer) Cooldown(retry bool) {
	p.sleep(p.interval)
}

// jitter 对d做[lo,hi]倍率的随机抖动。rng同时被Schedule协程和
// 调用方协程使用，取随机数必须持锁。
func (p *BurstPacer) jitter(d time.Duration, lo, hi float64) time.Duration {
	p.mu.Lock()
	f := lo + p.rng.Float64()*(hi-lo)
	p.mu.Unlock()
	return time.Duration(float64(d) * f)
}
