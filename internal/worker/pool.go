// Package worker bounds how many remote bucket operations run at once.
package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize 与远端连接池大小保持一致。
const DefaultSize = 10

// Pool 是固定容量的工作池：Go 异步执行且不阻塞调用方，Do 同步执行，两者共享同一组槽位。
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// New 创建容量为 size 的工作池，非正数时使用 DefaultSize。
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Size 返回工作池容量，也用作分段上传的并发度。
func (p *Pool) Size() int {
	return p.size
}

// Do 占用一个槽位同步执行 fn；ctx 在等待槽位期间取消时直接返回 ctx.Err()。
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go 在后台 goroutine 中等待槽位并执行 fn，错误交给 onErr 处理（可为 nil）。
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error, onErr func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Do(ctx, fn); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}

// Wait 阻塞直到所有通过 Go 提交的任务结束。
func (p *Pool) Wait() {
	p.wg.Wait()
}
