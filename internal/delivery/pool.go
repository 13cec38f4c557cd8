package delivery

import (
	"sync"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// connPool 中继连接池。
//
// 池内始终流转固定数量的槽位，nil 槽位表示需要时再拨号。
// 取出的连接先用 NOOP 探活，探活失败就地重拨，
// 任何时刻一个连接只被一个工人持有。
type connPool struct {
	slots     chan *smtp.Client
	factory   func() (*smtp.Client, error)
	size      int
	log       *zap.Logger
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConnPool(size int, factory func() (*smtp.Client, error), log *zap.Logger) *connPool {
	if size <= 0 {
		size = 1
	}
	p := &connPool{
		slots:   make(chan *smtp.Client, size),
		factory: factory,
		size:    size,
		log:     log,
		closeCh: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

// Warm 预热连接池，把空槽位换成已建立的连接。
// 拨号失败的槽位留空，使用时再补。
func (p *connPool) Warm() {
	for i := 0; i < p.size; i++ {
		select {
		case <-p.closeCh:
			return
		case c := <-p.slots:
			if c != nil {
				p.put(c)
				continue
			}
			fresh, err := p.factory()
			if err != nil {
				p.log.Warn("failed to pre-warm relay connection", zap.Error(err))
				p.put(nil)
				continue
			}
			p.put(fresh)
		default:
			// 槽位都在工人手里，无需预热
			return
		}
	}
	p.log.Debug("relay connection pool warmed", zap.Int("size", p.size))
}

// Acquire 取出一个可用连接，没有空闲槽位时阻塞。
func (p *connPool) Acquire() (*smtp.Client, error) {
	select {
	case <-p.closeCh:
		return nil, ErrPoolClosed
	case c := <-p.slots:
		if c != nil {
			if err := c.Noop(); err == nil {
				return c, nil
			}
			// 连接已死，重拨
			c.Close()
			p.log.Debug("pooled relay connection is dead, redialing")
		}
		fresh, err := p.factory()
		if err != nil {
			// 归还空槽，避免池子缩水
			p.put(nil)
			return nil, err
		}
		return fresh, nil
	}
}

// Release 归还连接。unhealthy 的连接被关闭，槽位以空位归还。
func (p *connPool) Release(c *smtp.Client, healthy bool) {
	if !healthy && c != nil {
		c.Close()
		c = nil
	}
	p.put(c)
}

func (p *connPool) put(c *smtp.Client) {
	select {
	case <-p.closeCh:
		if c != nil {
			c.Close()
		}
	case p.slots <- c:
	}
}

// Close 关闭连接池并断开所有空闲连接。
func (p *connPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	for {
		select {
		case c := <-p.slots:
			if c != nil {
				// Quit 在连接已死时不会关闭底层连接
				c.Quit()
				c.Close()
			}
		default:
			return
		}
	}
}
